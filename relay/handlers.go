package relay

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chengwei-dev/r-enhanced-viewer/correlate"
	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/session"
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// maxControlBody caps the body of the small control endpoints. Only
// /review and /respond/{id} carry frame-sized payloads.
const maxControlBody = 1 << 20

// Wire types for the protocol endpoints.

type healthResponse struct {
	Status            string `json:"status"`
	Port              int    `json:"port"`
	RSessionConnected bool   `json:"rSessionConnected"`
}

type statusResponse struct {
	Connected       bool           `json:"connected"`
	Session         *session.State `json:"session,omitempty"`
	PendingRequests int            `json:"pendingRequests"`
}

type registerResponse struct {
	Status string `json:"status"`
	Port   int    `json:"port"`
}

type okResponse struct {
	Status string `json:"status"`
}

type respondRequest struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type reviewResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Rows      int    `json:"rows"`
	Columns   int    `json:"columns"`
	ParseTime int64  `json:"parseTime"` // milliseconds
}

type frameListResponse struct {
	Frames []correlate.FrameInfo `json:"frames"`
}

// newServeMux wires the protocol routes. The /respond and /api/frames
// subtrees take their trailing path element manually; everything else
// is an exact match.
func (s *Server) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.route("health", http.MethodGet, s.handleHealth))
	mux.HandleFunc("/status", s.route("status", http.MethodGet, s.handleStatus))
	mux.HandleFunc("/register", s.route("register", http.MethodPost, s.handleRegister))
	mux.HandleFunc("/heartbeat", s.route("heartbeat", http.MethodPost, s.handleHeartbeat))
	mux.HandleFunc("/pending", s.route("pending", http.MethodGet, s.handlePending))
	mux.HandleFunc("/respond/", s.route("respond", http.MethodPost, s.handleRespond))
	mux.HandleFunc("/review", s.route("review", http.MethodPost, s.handleReview))
	mux.HandleFunc("/api/frames", s.route("frames", http.MethodGet, s.handleFrameList))
	mux.HandleFunc("/api/frames/", s.route("frame", http.MethodGet, s.handleFrameByName))
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// route wraps a handler with the cross-cutting protocol concerns: CORS
// headers on every response, OPTIONS short-circuit before the method
// check, and request accounting.
func (s *Server) route(endpoint, method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		if r.Method != method {
			s.writeError(sw, http.StatusMethodNotAllowed,
				fmt.Sprintf("method %s not allowed", r.Method))
		} else {
			handler(sw, r)
		}

		if s.metrics != nil {
			s.metrics.requestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(sw.status)).Inc()
			s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// handleHealth implements GET /health, the peer's liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Port:              s.Port(),
		RSessionConnected: s.sessions.IsAttached(),
	})
}

// handleStatus implements GET /status for viewer-side diagnostics.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Connected:       s.sessions.IsAttached(),
		PendingRequests: s.correlator.PendingCount(),
	}
	if state, ok := s.sessions.State(); ok {
		resp.Session = &state
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRegister implements POST /register. The body is optional; a
// bare POST registers an anonymous session.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var info session.Info
	if len(body) > 0 {
		if err := json.Unmarshal(body, &info); err != nil {
			s.writeClassifiedError(w, errors.WrapInvalid(err, "Server", "handleRegister",
				"decode registration body"))
			return
		}
	}

	s.sessions.Register(info)
	s.writeJSON(w, http.StatusOK, registerResponse{Status: "registered", Port: s.Port()})
}

// handleHeartbeat implements POST /heartbeat. Fails with 400 when no
// session has ever registered.
func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	if err := s.sessions.Heartbeat(); err != nil {
		s.writeClassifiedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

// handlePending implements GET /pending, the peer's poll for the oldest
// outstanding pull request. Polling counts as liveness contact, so an
// actively polling peer never times out between heartbeats.
func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	s.sessions.Touch()

	req, ok := s.correlator.TakeOldestPending()
	s.pollLog.Do(func() {
		s.logger.Debug("pending poll", "served", ok, "pending", s.correlator.PendingCount())
	})

	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"id": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// handleRespond implements POST /respond/{id}. A late or duplicate
// response gets the same 404 as an id that never existed.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	id, ok := pathTail(r.URL.EscapedPath(), "/respond/")
	if !ok {
		s.writeError(w, http.StatusNotFound, "missing request id")
		return
	}

	// getData responses carry frame payloads, so the push cap applies.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxReviewBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.maxReviewBytes {
		s.writeClassifiedError(w, errors.WrapInvalid(errors.ErrEntityTooLarge, "Server", "handleRespond",
			fmt.Sprintf("body exceeds %d bytes", s.maxReviewBytes)))
		return
	}

	var req respondRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeClassifiedError(w, errors.WrapInvalid(err, "Server", "handleRespond",
			"decode response body"))
		return
	}

	if err := s.correlator.Resolve(id, req.Data, req.Error); err != nil {
		s.writeClassifiedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

// handleReview implements POST /review, the push path. The body is
// capped before parsing so an oversized payload is rejected without
// buffering all of it, and any parse or validation failure is echoed
// back as a 400 without disturbing the listener.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxReviewBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.maxReviewBytes {
		s.writeClassifiedError(w, errors.WrapInvalid(errors.ErrEntityTooLarge, "Server", "handleReview",
			fmt.Sprintf("body exceeds %d bytes", s.maxReviewBytes)))
		return
	}

	start := time.Now()
	snapshot, err := table.NormalizeJSON(body)
	if err != nil {
		s.writeClassifiedError(w, err)
		return
	}
	parseTime := time.Since(start)

	// Hand off before responding so the snapshot is visible to sinks
	// by the time the peer sees the confirmation.
	if s.publisher != nil {
		s.publisher.Publish(snapshot)
	}

	if s.metrics != nil {
		s.metrics.reviewBodyBytes.Observe(float64(len(body)))
		s.metrics.reviewRows.Observe(float64(len(snapshot.Rows)))
		s.metrics.reviewParseSeconds.Observe(parseTime.Seconds())
	}
	s.logger.Info("snapshot received",
		"name", snapshot.Name,
		"rows", len(snapshot.Rows),
		"cols", snapshot.TotalCols,
		"bytes", len(body),
		"parse_time", parseTime)

	s.writeJSON(w, http.StatusOK, reviewResponse{
		Status:    "ok",
		Message:   fmt.Sprintf("received %s", snapshot.Name),
		Rows:      len(snapshot.Rows),
		Columns:   len(snapshot.Columns),
		ParseTime: parseTime.Milliseconds(),
	})
}

// handleFrameList implements GET /api/frames: the pull path's frame
// inventory, parked until the peer answers or the timeout fires.
func (s *Server) handleFrameList(w http.ResponseWriter, r *http.Request) {
	s.extendDeadline(w)

	result, err := s.correlator.Issue(r.Context(), correlate.KindListDataFrames, nil)
	if err != nil {
		s.writeClassifiedError(w, err)
		return
	}

	frames := result.Frames
	if frames == nil {
		frames = []correlate.FrameInfo{}
	}
	s.writeJSON(w, http.StatusOK, frameListResponse{Frames: frames})
}

// handleFrameByName implements GET /api/frames/{name}: request one
// frame from the peer and reply with its normalized snapshot. The
// optional maxRows query parameter is forwarded to the peer.
func (s *Server) handleFrameByName(w http.ResponseWriter, r *http.Request) {
	name, ok := pathTail(r.URL.EscapedPath(), "/api/frames/")
	if !ok {
		s.writeError(w, http.StatusNotFound, "missing frame name")
		return
	}

	params := map[string]any{"name": name}
	if raw := r.URL.Query().Get("maxRows"); raw != "" {
		maxRows, err := strconv.Atoi(raw)
		if err != nil || maxRows < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid maxRows %q", raw))
			return
		}
		params["maxRows"] = maxRows
	}

	s.extendDeadline(w)

	result, err := s.correlator.Issue(r.Context(), correlate.KindGetData, params)
	if err != nil {
		s.writeClassifiedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result.Snapshot)
}

// handleNotFound answers unrecognized routes with the protocol's JSON
// error shape.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	applyCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.metrics != nil {
		s.metrics.requestsTotal.WithLabelValues("unknown", r.Method, "404").Inc()
	}
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
}

// extendDeadline stretches the connection deadlines past the correlator
// timeout. The pull endpoints park far longer than the write deadline
// sized for the control endpoints.
func (s *Server) extendDeadline(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	deadline := time.Now().Add(s.correlator.Timeout() + 5*time.Second)
	if err := rc.SetReadDeadline(deadline); err != nil {
		s.logger.Debug("extend read deadline", "error", err)
	}
	if err := rc.SetWriteDeadline(deadline); err != nil {
		s.logger.Debug("extend write deadline", "error", err)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

// writeError writes an error response in the protocol's error shape.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": statusCode,
	})
	_, _ = w.Write(data)
}

// writeClassifiedError maps a classified error onto the HTTP boundary,
// echoing its message.
func (s *Server) writeClassifiedError(w http.ResponseWriter, err error) {
	s.writeError(w, mapErrorToStatus(err), err.Error())
}

// mapErrorToStatus maps relay errors to HTTP status codes.
func mapErrorToStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, errors.ErrEntityTooLarge):
		return http.StatusRequestEntityTooLarge
	case stderrors.Is(err, errors.ErrUnknownRequest):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, errors.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsFatal(err):
		return http.StatusInternalServerError
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// applyCORS sets permissive CORS headers. The listener is loopback-only,
// so the webview-hosted panel is the only cross-origin caller.
func applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// pathTail extracts the single path element after prefix, rejecting
// empty, nested, and traversal-shaped values. It takes the escaped path
// so an encoded slash cannot smuggle in a nested element.
func pathTail(escapedPath, prefix string) (string, bool) {
	raw := strings.TrimPrefix(escapedPath, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return "", false
	}
	tail, err := url.PathUnescape(raw)
	if err != nil {
		return "", false
	}
	if tail == "" || tail == "." || tail == ".." || strings.ContainsAny(tail, "/\\") {
		return "", false
	}
	return tail, true
}

// statusWriter records the status code for request accounting.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
