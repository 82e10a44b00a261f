package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	config "github.com/hanpama/hostbridge/internal/config"
	eventbus "github.com/hanpama/hostbridge/internal/eventbus"
	events "github.com/hanpama/hostbridge/internal/events"
	logging "github.com/hanpama/hostbridge/internal/logging"
	reqid "github.com/hanpama/hostbridge/internal/reqid"
	session "github.com/hanpama/hostbridge/internal/session"
)

func newTestHandler(t *testing.T, cfg config.SessionConfig, opts ...Option) *Handler {
	t.Helper()
	return newTestHandlerWith(t, cfg, nil, opts...)
}

func newTestHandlerWith(t *testing.T, cfg config.SessionConfig, sopts []session.Option, opts ...Option) *Handler {
	t.Helper()
	sopts = append([]session.Option{session.WithLockOSThread(false)}, sopts...)
	sess, err := session.Open(context.Background(), cfg, sopts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	h, err := New(sess, opts...)
	require.NoError(t, err)
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type response struct {
	ID     uint64     `json:"id"`
	State  string     `json:"state"`
	Result any        `json:"result"`
	Error  *errorBody `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response {
	t.Helper()
	var r response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	return r
}

func TestEval(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{Init: `function double(x) { return x * 2 }`})

	tests := []struct {
		name   string
		body   string
		status int
		result any
		kind   string
	}{
		{name: "number", body: `{"source":"double(21)"}`, status: http.StatusOK, result: float64(42)},
		{name: "object", body: `{"source":"({a: [1, 'b'], c: null})"}`, status: http.StatusOK,
			result: map[string]any{"a": []any{float64(1), "b"}, "c": nil}},
		{name: "undefined", body: `{"source":"undefined"}`, status: http.StatusOK, result: nil},
		{name: "exception", body: `{"source":"throw new TypeError('nope')"}`, status: http.StatusUnprocessableEntity, kind: "runtime_exception"},
		{name: "missing source", body: `{}`, status: http.StatusBadRequest, kind: "bad_request"},
		{name: "invalid json", body: `{`, status: http.StatusBadRequest, kind: "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/eval", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			got := decode(t, w)
			if tt.kind != "" {
				require.NotNil(t, got.Error)
				require.Equal(t, tt.kind, got.Error.Kind)
				return
			}
			require.Nil(t, got.Error)
			if diff := cmp.Diff(tt.result, got.Result); diff != "" {
				t.Fatalf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
	require.Equal(t, 0, h.sess.Pool().Len())
}

func TestExceptionCarriesMessage(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{})
	w := do(t, h, "POST", "/eval", `{"source":"function f() { throw new Error('deep') }\nf()"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	got := decode(t, w)
	require.Contains(t, got.Error.Message, "deep")
}

// Pattern: Task lifecycle over HTTP
func TestTaskEndpoints(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{})

	w := do(t, h, "POST", "/tasks", `{"source":"[1, 2, 3].map(x => x * x)"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	created := decode(t, w)
	require.NotZero(t, created.ID)
	path := "/tasks/" + strconv.FormatUint(created.ID, 10)
	require.Equal(t, path, w.Header().Get("Location"))

	task, ok := h.sess.Pool().Task(created.ID)
	require.True(t, ok)
	task.Join()

	w = do(t, h, "GET", path, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	require.Equal(t, "done", got.State)
	if diff := cmp.Diff([]any{float64(1), float64(4), float64(9)}, got.Result); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	w = do(t, h, "DELETE", path, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, "GET", path, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", decode(t, w).Error.Kind)

	w = do(t, h, "GET", "/tasks/abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailedTaskStatus(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{})
	w := do(t, h, "POST", "/tasks", `{"source":"missing()"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w).ID
	task, ok := h.sess.Pool().Task(id)
	require.True(t, ok)
	task.Join()

	got := decode(t, do(t, h, "GET", "/tasks/"+strconv.FormatUint(id, 10), ""))
	require.Equal(t, "failed", got.State)
	require.Equal(t, "runtime_exception", got.Error.Kind)
	require.Contains(t, got.Error.Message, "missing")
}

func TestEvalTimeout(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{}, WithTimeout(20*time.Millisecond))
	w := do(t, h, "POST", "/eval", `{"source":"const end = Date.now() + 200; while (Date.now() < end) {}"}`)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	require.Equal(t, "timeout", decode(t, w).Error.Kind)
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{}, WithCORS("*"))

	// simple request
	req := httptest.NewRequest("POST", "/eval", bytes.NewBufferString(`{"source":"1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/eval", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight missing CORS header")
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{}, WithMaxBodyBytes(10))
	w := do(t, h, "POST", "/eval", `{"source":"1234567890"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	h := newTestHandler(t, config.SessionConfig{})
	req := httptest.NewRequest("POST", "/eval", bytes.NewBufferString(`source=1`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestRequestID(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)

	var (
		mu       sync.Mutex
		evalRIDs []string
		statuses []int
	)
	defer eventbus.Subscribe(func(ctx context.Context, e events.EvalStart) {
		rid, _ := reqid.FromContext(ctx)
		mu.Lock()
		evalRIDs = append(evalRIDs, rid)
		mu.Unlock()
	})()
	defer eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
		mu.Lock()
		statuses = append(statuses, e.Status)
		mu.Unlock()
	})()

	h := newTestHandler(t, config.SessionConfig{})

	w := do(t, h, "POST", "/eval", `{"source":"1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	generated := w.Header().Get(RequestIDHeader)
	require.True(t, reqid.Valid(generated))

	req := httptest.NewRequest("POST", "/eval", bytes.NewBufferString(`{"source":"2"}`))
	req.Header.Set(RequestIDHeader, "client-supplied")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "client-supplied", w.Header().Get(RequestIDHeader))

	do(t, h, "POST", "/eval", `{}`)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{generated, "client-supplied"}, evalRIDs); diff != "" {
		t.Fatalf("request ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{200, 200, 400}, statuses); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmittedTasksExpire(t *testing.T) {
	h := newTestHandlerWith(t, config.SessionConfig{}, []session.Option{session.WithTaskTTL(10 * time.Millisecond)})

	w := do(t, h, "POST", "/tasks", `{"source":"1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	path := "/tasks/" + strconv.FormatUint(decode(t, w).ID, 10)

	require.Eventually(t, func() bool { return h.sess.Pool().Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusNotFound, do(t, h, "GET", path, "").Code)
}

func TestDefaultsToProcessLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logging.SetLogger(zap.New(core))
	defer logging.SetLogger(nil)

	sess, err := session.Open(context.Background(), config.SessionConfig{}, session.WithLockOSThread(false))
	require.NoError(t, err)
	h, err := New(sess)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	w := do(t, h, "POST", "/eval", `{"source":"1"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "unavailable", decode(t, w).Error.Kind)
	require.Equal(t, 1, logs.FilterMessage("request failed").Len())
}
