// Package sink delivers normalized snapshots to display surfaces. The
// relay publishes into a bounded drop-oldest queue and a single drain
// goroutine fans out to registered sinks, so a slow or failing consumer
// can never block the protocol handlers.
package sink

import (
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// Sink consumes snapshots. OnSnapshot is fire-and-forget: it runs on
// the dispatcher's drain goroutine, should return promptly, and any
// presentation failure is the consumer's concern, not the relay's.
type Sink interface {
	Name() string
	OnSnapshot(snapshot *table.Snapshot)
}
