// Package errors provides standardized error handling patterns for relay components.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, may clear up on its own), Invalid (bad input,
// non-retryable), and Fatal (unrecoverable, stop processing).
//
// Classification lets the HTTP boundary and the process supervisor make
// decisions without string matching: Invalid maps to 4xx responses, Transient
// to 503/504, Fatal aborts startup or shutdown paths.
//
// # Error Classification
//
//   - Transient: peer not attached yet, request timeouts, context cancellation
//   - Invalid: malformed push payloads, heartbeats without a session, unknown
//     request ids, oversized bodies
//   - Fatal: both candidate ports occupied, invalid configuration
//
// The classification system integrates with Go's standard error handling,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Quick Start
//
// Use standard error variables for known conditions:
//
//	if session == nil {
//	    return errors.ErrNotRegistered
//	}
//
// Wrap errors with context for debugging:
//
//	if err := normalize(body); err != nil {
//	    return errors.WrapInvalid(err, "Server", "handleReview", "normalize payload")
//	}
//
// Check classification at the boundary:
//
//	if errors.IsInvalid(err) {
//	    // 400-class response
//	} else if errors.IsTransient(err) {
//	    // 503-class response
//	}
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// The generic Wrap() preserves the original error's classification through
// the chain.
//
// # Standard Error Variables
//
// Pre-defined error variables, organized by category:
//
//   - Protocol: ErrMalformedPayload, ErrNotRegistered, ErrUnknownRequest, ErrEntityTooLarge
//   - Correlator: ErrNotConnected, ErrRequestTimeout
//   - Listener: ErrPortInUse
//   - Lifecycle: ErrAlreadyRunning, ErrNotStarted, ErrShuttingDown
//   - Configuration: ErrInvalidConfig, ErrMissingConfig
//
// Use these instead of creating ad-hoc error messages so callers can test
// with errors.Is.
//
// # Context Cancellation
//
// Context errors (context.DeadlineExceeded, context.Canceled) are classified
// as Transient, so a caller that abandons a pull request is handled the same
// way as one whose request timed out.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables
// are immutable and safe for concurrent access.
package errors
