package sink

import (
	"log/slog"

	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// LogSink reports delivered snapshots through the structured logger. It
// is the default sink so a bare daemon shows traffic without any panel
// attached.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to the default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "logsink")}
}

// Name returns the sink name.
func (s *LogSink) Name() string {
	return "log"
}

// OnSnapshot logs the snapshot's shape.
func (s *LogSink) OnSnapshot(snapshot *table.Snapshot) {
	s.logger.Info("snapshot received",
		"name", snapshot.Name,
		"rows", len(snapshot.Rows),
		"cols", len(snapshot.Columns),
		"total_rows", snapshot.TotalRows,
		"truncated", snapshot.Truncated)
}
