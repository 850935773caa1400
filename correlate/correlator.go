// Package correlate manages outstanding extension-to-R requests. The
// viewer side issues a request and parks until the peer picks it up via
// the poll endpoint and answers via the respond endpoint, with timeout
// protection so an absent or wedged peer cannot strand the caller.
package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/metric"
	"github.com/chengwei-dev/r-enhanced-viewer/pkg/timestamp"
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// Kind discriminates the pull request types the peer understands.
type Kind string

const (
	// KindListDataFrames asks the peer for the data frames in its
	// global environment.
	KindListDataFrames Kind = "listDataFrames"

	// KindGetData asks the peer to transfer one named data frame.
	KindGetData Kind = "getData"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid checks if the Kind is one of the defined constants.
func (k Kind) IsValid() bool {
	switch k {
	case KindListDataFrames, KindGetData:
		return true
	default:
		return false
	}
}

// PendingRequest is one outstanding pull request as seen by the poll
// endpoint. The wire field for Kind is "type".
type PendingRequest struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// FrameInfo is the lightweight metadata record the peer returns for a
// listDataFrames request.
type FrameInfo struct {
	Name  string  `json:"name"`
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	Class string  `json:"class,omitempty"`
	Size  float64 `json:"size,omitempty"`
}

// Result is the typed outcome of a fulfilled request: Frames for
// listDataFrames, Snapshot for getData.
type Result struct {
	Kind     Kind
	Frames   []FrameInfo
	Snapshot *table.Snapshot
}

// NormalizeFunc converts a raw getData payload into a snapshot.
type NormalizeFunc func(raw json.RawMessage) (*table.Snapshot, error)

// ConstructorConfig holds all configuration needed to construct a Correlator.
type ConstructorConfig struct {
	Attached        func() bool      // Gate: whether the peer is currently attached
	RequestTimeout  time.Duration    // How long Issue waits for the peer's answer
	Normalize       NormalizeFunc    // getData payload hook; defaults to table.NormalizeJSON
	Logger          *slog.Logger     // Optional structured logger
	MetricsRegistry *metric.Registry // Optional Prometheus metrics registry
	Clock           func() int64     // Epoch-ms clock override for tests
}

// DefaultConstructorConfig returns sensible defaults for Correlator construction.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// outcome is what Resolve hands back to the parked caller.
type outcome struct {
	result *Result
	err    error
}

// pendingEntry pairs a request with its caller's reply channel.
type pendingEntry struct {
	req   PendingRequest
	reply chan outcome
}

// Correlator tracks pending pull requests by id. All methods are safe
// for concurrent use; take-oldest and resolve-by-id never race on one
// entry because every removal happens under the same mutex.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	queue   []string // ids in creation order

	attached  func() bool
	timeout   time.Duration
	normalize NormalizeFunc
	now       func() int64
	logger    *slog.Logger
	metrics   *Metrics
}

// NewCorrelator creates a Correlator from the given configuration.
func NewCorrelator(cfg ConstructorConfig) *Correlator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Attached == nil {
		cfg.Attached = func() bool { return false }
	}
	if cfg.Normalize == nil {
		cfg.Normalize = func(raw json.RawMessage) (*table.Snapshot, error) {
			return table.NormalizeJSON(raw)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = timestamp.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Correlator{
		pending:   make(map[string]*pendingEntry),
		queue:     make([]string, 0),
		attached:  cfg.Attached,
		timeout:   cfg.RequestTimeout,
		normalize: cfg.Normalize,
		now:       cfg.Clock,
		logger:    cfg.Logger.With("component", "correlator"),
	}
	c.metrics = newMetrics(cfg.MetricsRegistry, c.PendingCount)
	return c
}

// Issue submits a pull request and blocks until the peer answers, the
// timeout fires, or ctx is cancelled. When the peer is not attached it
// fails immediately with ErrNotConnected and creates no pending entry.
func (c *Correlator) Issue(ctx context.Context, kind Kind, params map[string]any) (*Result, error) {
	if !c.attached() {
		if c.metrics != nil {
			c.metrics.gateRejectsTotal.Inc()
		}
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Correlator", "Issue",
			fmt.Sprintf("%s request refused", kind))
	}

	id := uuid.New().String()
	entry := &pendingEntry{
		req: PendingRequest{
			ID:        id,
			Kind:      kind,
			Params:    params,
			CreatedAt: c.now(),
		},
		reply: make(chan outcome, 1),
	}

	c.mu.Lock()
	c.pending[id] = entry
	c.queue = append(c.queue, id)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.issuedTotal.WithLabelValues(string(kind)).Inc()
	}
	c.logger.Debug("request issued", "id", id, "kind", kind)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out := <-entry.reply:
		return out.result, out.err
	case <-timer.C:
		c.remove(id)
		if c.metrics != nil {
			c.metrics.outcomesTotal.WithLabelValues("timeout").Inc()
		}
		c.logger.Warn("request timed out", "id", id, "kind", kind, "timeout", c.timeout)
		return nil, errors.WrapTransient(errors.ErrRequestTimeout, "Correlator", "Issue",
			fmt.Sprintf("no response within %s", c.timeout))
	case <-ctx.Done():
		c.remove(id)
		if c.metrics != nil {
			c.metrics.outcomesTotal.WithLabelValues("cancelled").Inc()
		}
		return nil, ctx.Err()
	}
}

// TakeOldestPending returns the request with the smallest creation time
// without removing it. Removal happens only on resolution, timeout, or
// cancellation, so a peer may re-poll and see the same request until it
// responds.
func (c *Correlator) TakeOldestPending() (PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return PendingRequest{}, false
	}
	return c.pending[c.queue[0]].req, true
}

// Resolve delivers the peer's answer for a pending id. An unknown id,
// whether never issued or already retired, fails with ErrUnknownRequest
// and has no side effects. A non-empty errMsg rejects the caller with
// that message; otherwise the payload is decoded per the request kind
// and the caller fulfilled, or rejected when decoding fails.
func (c *Correlator) Resolve(id string, data json.RawMessage, errMsg string) error {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		c.removeLocked(id)
	}
	c.mu.Unlock()

	if !ok {
		if c.metrics != nil {
			c.metrics.unknownResolvesTotal.Inc()
		}
		return errors.WrapInvalid(errors.ErrUnknownRequest, "Correlator", "Resolve",
			fmt.Sprintf("id %s", id))
	}

	out := c.buildOutcome(entry.req.Kind, data, errMsg)
	entry.reply <- out
	close(entry.reply)

	if c.metrics != nil {
		if out.err != nil {
			c.metrics.outcomesTotal.WithLabelValues("rejected").Inc()
		} else {
			c.metrics.outcomesTotal.WithLabelValues("fulfilled").Inc()
		}
	}
	c.logger.Debug("request resolved", "id", id, "kind", entry.req.Kind, "rejected", out.err != nil)
	return nil
}

// PendingCount returns the number of requests currently pending.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Timeout returns the per-request timeout Issue waits before giving up.
func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// buildOutcome decodes the peer's answer according to the request kind.
func (c *Correlator) buildOutcome(kind Kind, data json.RawMessage, errMsg string) outcome {
	if errMsg != "" {
		return outcome{err: errors.WrapInvalid(fmt.Errorf("%s", errMsg), "Correlator", "Resolve",
			"peer rejected request")}
	}

	switch kind {
	case KindGetData:
		snapshot, err := c.normalize(data)
		if err != nil {
			return outcome{err: err}
		}
		return outcome{result: &Result{Kind: kind, Snapshot: snapshot}}
	case KindListDataFrames:
		var frames []FrameInfo
		if err := json.Unmarshal(data, &frames); err != nil {
			return outcome{err: errors.WrapInvalid(err, "Correlator", "Resolve",
				"decode frame list")}
		}
		return outcome{result: &Result{Kind: kind, Frames: frames}}
	default:
		return outcome{err: errors.WrapInvalid(errors.ErrMalformedPayload, "Correlator", "Resolve",
			fmt.Sprintf("unsupported request kind %q", kind))}
	}
}

// remove retires a pending entry, tolerating ids already gone.
func (c *Correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

// removeLocked deletes the entry and filters the creation-order queue.
// Callers must hold the mutex.
func (c *Correlator) removeLocked(id string) {
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)

	filtered := make([]string, 0, len(c.queue))
	for _, qid := range c.queue {
		if qid != id {
			filtered = append(filtered, qid)
		}
	}
	c.queue = filtered
}
