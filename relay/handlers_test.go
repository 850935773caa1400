package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengwei-dev/r-enhanced-viewer/correlate"
	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/session"
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// capturePublisher records published snapshots for assertions.
type capturePublisher struct {
	mu    sync.Mutex
	snaps []*table.Snapshot
}

func (p *capturePublisher) Publish(snapshot *table.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snapshot)
}

func (p *capturePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.snaps))
	for i, s := range p.snaps {
		names[i] = s.Name
	}
	return names
}

type testServer struct {
	server     *Server
	sessions   *session.Registry
	correlator *correlate.Correlator
	publisher  *capturePublisher
}

// newTestServer builds a server with short timeouts, wired to a
// registry and correlator like cmd/rviewd does, serving through the
// mux without a listener.
func newTestServer(t *testing.T, mutate func(*ConstructorConfig)) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewRegistry(session.ConstructorConfig{
		LivenessTimeout: time.Minute,
		Logger:          logger,
	})
	correlator := correlate.NewCorrelator(correlate.ConstructorConfig{
		Attached:       sessions.IsAttached,
		RequestTimeout: 2 * time.Second,
		Logger:         logger,
	})
	publisher := &capturePublisher{}

	cfg := DefaultConstructorConfig()
	cfg.Sessions = sessions
	cfg.Correlator = correlator
	cfg.Publisher = publisher
	cfg.Logger = logger
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, server.Initialize())

	return &testServer{
		server:     server,
		sessions:   sessions,
		correlator: correlator,
		publisher:  publisher,
	}
}

// do serves one request through the mux and returns the recorder.
func (ts *testServer) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	ts.server.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

// respondSoon answers the next pending request from a goroutine, the
// way the polling R peer would. No testing.T calls cross the goroutine
// boundary; a wedged responder just lets the caller time out.
func respondSoon(c *correlate.Correlator, data []byte, errMsg string) {
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if req, ok := c.TakeOldestPending(); ok {
				_ = c.Resolve(req.ID, data, errMsg)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(8765), body["port"])
	assert.Equal(t, false, body["rSessionConnected"])

	ts.sessions.Register(session.Info{RVersion: "4.3.1"})

	body = decodeBody(t, ts.do(http.MethodGet, "/health", nil))
	assert.Equal(t, true, body["rSessionConnected"])
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	body := decodeBody(t, ts.do(http.MethodGet, "/status", nil))
	assert.Equal(t, false, body["connected"])
	assert.Equal(t, float64(0), body["pendingRequests"])
	assert.NotContains(t, body, "session")

	ts.sessions.Register(session.Info{RVersion: "4.3.1", PID: 4242})

	body = decodeBody(t, ts.do(http.MethodGet, "/status", nil))
	assert.Equal(t, true, body["connected"])
	sessionBody, ok := body["session"].(map[string]any)
	require.True(t, ok, "expected session object, got %v", body["session"])
	assert.Equal(t, true, sessionBody["attached"])
	assert.Equal(t, "4.3.1", sessionBody["rVersion"])
	assert.Equal(t, float64(4242), sessionBody["pid"])
}

func TestHandleRegister(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/register", []byte(`{"rVersion":"4.3.1","pid":123}`))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "registered", body["status"])
	assert.Equal(t, float64(8765), body["port"])

	require.True(t, ts.sessions.IsAttached())
	state, ok := ts.sessions.State()
	require.True(t, ok)
	assert.Equal(t, "4.3.1", state.RVersion)
	assert.Equal(t, 123, state.PID)
}

func TestHandleRegister_EmptyBody(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/register", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ts.sessions.IsAttached())
}

func TestHandleRegister_MalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/register", []byte(`{"rVersion":`))
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	assert.Contains(t, body, "error")
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.False(t, ts.sessions.IsAttached())
}

func TestHandleHeartbeat(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/heartbeat", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	ts.sessions.Register(session.Info{})

	w = ts.do(http.MethodPost, "/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestHandlePending_Empty(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	id, present := body["id"]
	require.True(t, present, "response must carry an explicit id field")
	assert.Nil(t, id)
}

func TestHandlePending_ServesOldest(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	issued := make(chan error, 1)
	go func() {
		_, err := ts.correlator.Issue(context.Background(), correlate.KindGetData,
			map[string]any{"name": "mtcars"})
		issued <- err
	}()

	require.Eventually(t, func() bool {
		return ts.correlator.PendingCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	w := ts.do(http.MethodGet, "/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "getData", body["type"])
	params, ok := body["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "mtcars", params["name"])

	// Re-polling serves the same request until it is answered.
	again := decodeBody(t, ts.do(http.MethodGet, "/pending", nil))
	assert.Equal(t, id, again["id"])

	payload := `{"name":"mtcars","data":{"mpg":[21]},"nrow":1,"ncol":1,"colnames":["mpg"],"coltypes":["numeric"]}`
	w = ts.do(http.MethodPost, "/respond/"+id, []byte(`{"data":`+payload+`}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])

	require.NoError(t, <-issued)
	assert.Equal(t, 0, ts.correlator.PendingCount())
}

func TestHandlePending_ExtendsLiveness(t *testing.T) {
	var clockMs atomic.Int64
	clockMs.Store(1_000_000)

	sessions := session.NewRegistry(session.ConstructorConfig{
		LivenessTimeout: time.Minute,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:           clockMs.Load,
	})
	ts := newTestServer(t, func(cfg *ConstructorConfig) {
		cfg.Sessions = sessions
	})

	w := ts.do(http.MethodPost, "/register", []byte(`{}`))
	require.Equal(t, http.StatusOK, w.Code)

	// Poll just inside the window.
	clockMs.Add(59_000)
	require.True(t, sessions.IsAttached())
	ts.do(http.MethodGet, "/pending", nil)

	// Another near-full window later the peer is still attached, which
	// holds only if the poll counted as contact.
	clockMs.Add(59_000)
	assert.True(t, sessions.IsAttached())

	clockMs.Add(61_000)
	assert.False(t, sessions.IsAttached(), "silence past the window detaches")
}

func TestHandleRespond_UnknownID(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/respond/no-such-id", []byte(`{"data":{}}`))
	require.Equal(t, http.StatusNotFound, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(http.StatusNotFound), body["status"])
}

func TestHandleRespond_MissingID(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/respond/", []byte(`{"data":{}}`))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/respond/a/b", []byte(`{"data":{}}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRespond_MalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/respond/some-id", []byte(`not json`))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReview(t *testing.T) {
	ts := newTestServer(t, nil)

	payload := `{
		"name": "mtcars",
		"data": {"mpg": [21, 22.8], "cyl": [6, 4]},
		"nrow": 2,
		"ncol": 2,
		"colnames": ["mpg", "cyl"],
		"coltypes": ["numeric", "numeric"]
	}`
	w := ts.do(http.MethodPost, "/review", []byte(payload))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body["message"], "mtcars")
	assert.Equal(t, float64(2), body["rows"])
	assert.Equal(t, float64(2), body["columns"])
	_, present := body["parseTime"]
	assert.True(t, present)

	require.Equal(t, []string{"mtcars"}, ts.publisher.names())
}

func TestHandleReview_Malformed(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"name":`},
		{name: "missing name", body: `{"data":{},"nrow":0,"ncol":0,"colnames":[]}`},
		{name: "colname count mismatch", body: `{"name":"x","data":{},"nrow":1,"ncol":2,"colnames":["a"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/review", []byte(tt.body))
			require.Equal(t, http.StatusBadRequest, w.Code)

			body := decodeBody(t, w)
			message, _ := body["error"].(string)
			assert.NotEmpty(t, message, "failure message is echoed to the peer")
		})
	}

	assert.Empty(t, ts.publisher.names())
}

func TestHandleReview_TooLarge(t *testing.T) {
	ts := newTestServer(t, func(cfg *ConstructorConfig) {
		cfg.MaxReviewBytes = 64
	})

	payload := fmt.Sprintf(`{"name":"big","data":{"x":[%q]},"nrow":1,"ncol":1,"colnames":["x"]}`,
		bytes.Repeat([]byte("a"), 128))
	w := ts.do(http.MethodPost, "/review", []byte(payload))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Empty(t, ts.publisher.names())
}

func TestHandleFrameList(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	respondSoon(ts.correlator, []byte(`[
		{"name": "mtcars", "rows": 32, "cols": 11, "class": "data.frame"},
		{"name": "iris", "rows": 150, "cols": 5}
	]`), "")

	w := ts.do(http.MethodGet, "/api/frames", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp frameListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Frames, 2)
	assert.Equal(t, "mtcars", resp.Frames[0].Name)
	assert.Equal(t, 32, resp.Frames[0].Rows)
	assert.Equal(t, "iris", resp.Frames[1].Name)
}

func TestHandleFrameList_NullAnswer(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	respondSoon(ts.correlator, []byte(`null`), "")

	w := ts.do(http.MethodGet, "/api/frames", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"frames":[]`)
}

func TestHandleFrameList_NotConnected(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/api/frames", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(http.StatusServiceUnavailable), body["status"])
}

func TestHandleFrameByName(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	respondSoon(ts.correlator,
		[]byte(`{"name":"mtcars","data":{"mpg":[21,22.8]},"nrow":2,"ncol":1,"colnames":["mpg"],"coltypes":["numeric"]}`), "")

	w := ts.do(http.MethodGet, "/api/frames/mtcars", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var snapshot table.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, "mtcars", snapshot.Name)
	assert.Len(t, snapshot.Rows, 2)
}

func TestHandleFrameByName_ForwardsParams(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	params := make(chan map[string]any, 1)
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if req, ok := ts.correlator.TakeOldestPending(); ok {
				params <- req.Params
				_ = ts.correlator.Resolve(req.ID, nil, "gone")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	w := ts.do(http.MethodGet, "/api/frames/air%20quality?maxRows=500", nil)
	require.Equal(t, http.StatusBadRequest, w.Code) // peer rejected with "gone"

	got := <-params
	assert.Equal(t, "air quality", got["name"])
	assert.Equal(t, 500, got["maxRows"])
}

func TestHandleFrameByName_PeerError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	respondSoon(ts.correlator, nil, "object 'nope' not found")

	w := ts.do(http.MethodGet, "/api/frames/nope", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "object 'nope' not found")
}

func TestHandleFrameByName_BadName(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	// Raw dot segments never reach the handler; the mux cleans and
	// redirects them. Encoded forms do arrive and must be rejected.
	for _, target := range []string{
		"/api/frames/",
		"/api/frames/a/b",
		"/api/frames/%2e%2e",
		"/api/frames/a%2Fb",
	} {
		w := ts.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, "target %s", target)
	}
	assert.Equal(t, 0, ts.correlator.PendingCount())
}

func TestHandleFrameByName_BadMaxRows(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sessions.Register(session.Info{})

	for _, query := range []string{"maxRows=abc", "maxRows=0", "maxRows=-5"} {
		w := ts.do(http.MethodGet, "/api/frames/mtcars?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "query %s", query)
	}
	assert.Equal(t, 0, ts.correlator.PendingCount())
}

func TestRouteMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		method string
		target string
	}{
		{http.MethodPost, "/health"},
		{http.MethodGet, "/register"},
		{http.MethodDelete, "/review"},
		{http.MethodPut, "/pending"},
	}

	for _, tt := range tests {
		w := ts.do(tt.method, tt.target, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tt.method, tt.target)
		assert.Contains(t, w.Body.String(), "not allowed")
	}
}

func TestOptionsShortCircuit(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, target := range []string{"/health", "/review", "/api/frames", "/nosuch"} {
		w := ts.do(http.MethodOptions, target, nil)
		assert.Equal(t, http.StatusNoContent, w.Code, "target %s", target)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), "target %s", target)
		assert.Empty(t, w.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	body := decodeBody(t, w)
	assert.Contains(t, body["error"], "/nope")
	assert.Equal(t, float64(http.StatusNotFound), body["status"])
}

func TestCORSHeadersOnEveryRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, target := range []string{"/health", "/status", "/pending"} {
		w := ts.do(http.MethodGet, target, nil)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), "target %s", target)
		assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"), "target %s", target)
	}
}

func TestMapErrorToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "malformed payload maps to 400",
			err:  errors.WrapInvalid(errors.ErrMalformedPayload, "t", "t", "bad body"),
			want: http.StatusBadRequest,
		},
		{
			name: "not registered maps to 400",
			err:  errors.WrapInvalid(errors.ErrNotRegistered, "t", "t", "no session"),
			want: http.StatusBadRequest,
		},
		{
			name: "unknown request maps to 404",
			err:  errors.WrapInvalid(errors.ErrUnknownRequest, "t", "t", "id x"),
			want: http.StatusNotFound,
		},
		{
			name: "entity too large maps to 413",
			err:  errors.WrapInvalid(errors.ErrEntityTooLarge, "t", "t", "too big"),
			want: http.StatusRequestEntityTooLarge,
		},
		{
			name: "not connected maps to 503",
			err:  errors.WrapTransient(errors.ErrNotConnected, "t", "t", "refused"),
			want: http.StatusServiceUnavailable,
		},
		{
			name: "request timeout maps to 504",
			err:  errors.WrapTransient(errors.ErrRequestTimeout, "t", "t", "no answer"),
			want: http.StatusGatewayTimeout,
		},
		{
			name: "other invalid maps to 400",
			err:  errors.WrapInvalid(fmt.Errorf("boom"), "t", "t", "rejected"),
			want: http.StatusBadRequest,
		},
		{
			name: "fatal maps to 500",
			err:  errors.WrapFatal(fmt.Errorf("boom"), "t", "t", "broken"),
			want: http.StatusInternalServerError,
		},
		{
			name: "unknown error maps to 500",
			err:  fmt.Errorf("mystery"),
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapErrorToStatus(tt.err))
		})
	}
}

func TestPathTail(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   string
		ok     bool
	}{
		{"/respond/abc-123", "/respond/", "abc-123", true},
		{"/api/frames/mtcars", "/api/frames/", "mtcars", true},
		{"/api/frames/air%20quality", "/api/frames/", "air quality", true},
		{"/respond/", "/respond/", "", false},
		{"/respond/a/b", "/respond/", "", false},
		{"/api/frames/..", "/api/frames/", "", false},
		{"/api/frames/.", "/api/frames/", "", false},
		{"/api/frames/%2e%2e", "/api/frames/", "", false},
		{"/api/frames/a%2Fb", "/api/frames/", "", false},
		{"/api/frames/a%zz", "/api/frames/", "", false},
	}

	for _, tt := range tests {
		got, ok := pathTail(tt.path, tt.prefix)
		if assert.Equal(t, tt.ok, ok, "path %s", tt.path) && tt.ok {
			assert.Equal(t, tt.want, got, "path %s", tt.path)
		}
	}
}
