// Package server exposes a session over HTTP. Every evaluation runs as a
// task on the session's execution channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	engine "github.com/hanpama/hostbridge/internal/engine"
	eventbus "github.com/hanpama/hostbridge/internal/eventbus"
	events "github.com/hanpama/hostbridge/internal/events"
	logging "github.com/hanpama/hostbridge/internal/logging"
	pool "github.com/hanpama/hostbridge/internal/pool"
	reqid "github.com/hanpama/hostbridge/internal/reqid"
	session "github.com/hanpama/hostbridge/internal/session"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// Handler is an http.Handler serving the evaluation and task endpoints.
type Handler struct {
	sess *session.Session
	opt  Options
	mux  *http.ServeMux
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// Logger defaults to the process logger.
	Logger *zap.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a handler over sess.
func New(sess *session.Session, opts ...Option) (*Handler, error) {
	if sess == nil {
		return nil, errors.New("server: nil session")
	}
	op := Options{Timeout: 10 * time.Second, Logger: logging.Logger()}
	for _, f := range opts {
		f(&op)
	}
	h := &Handler{sess: sess, opt: op, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /eval", h.eval)
	h.mux.HandleFunc("POST /tasks", h.submit)
	h.mux.HandleFunc("GET /tasks/{id}", h.status)
	h.mux.HandleFunc("DELETE /tasks/{id}", h.release)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	var rid string
	if id := r.Header.Get(RequestIDHeader); id != "" {
		rid, ctx = id, reqid.WithID(ctx, id)
	} else {
		ctx, rid = reqid.NewContext(ctx)
	}
	w.Header().Set(RequestIDHeader, rid)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: sw.status, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		sw.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(sw, r.WithContext(ctx))
}

// statusWriter records the status code for HTTPFinish.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ------------------ Handlers ------------------

// EvalRequest is the body of POST /eval and POST /tasks.
type EvalRequest struct {
	Source string `json:"source"`
}

type errorBody struct {
	Message string   `json:"message"`
	Kind    string   `json:"kind"`
	Stack   []string `json:"stack,omitempty"`
}

type evalResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

type taskResponse struct {
	ID     uint64          `json:"id"`
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

func (h *Handler) eval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := h.parseRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.sess.Submit(ctx, req.Source)
	if err != nil {
		h.fail(w, err)
		return
	}
	defer t.Release()
	if err := t.Wait(ctx); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.result(ctx, t)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evalResponse{Result: res}, h.opt.Pretty)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.sess.Submit(r.Context(), req.Source)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sess.Detach(t)
	w.Header().Set("Location", "/tasks/"+strconv.FormatUint(t.ID(), 10))
	writeJSON(w, http.StatusAccepted, taskResponse{ID: t.ID(), State: t.State().String()}, h.opt.Pretty)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}
	resp := taskResponse{ID: t.ID(), State: t.State().String()}
	switch {
	case t.IsFailed():
		resp.Error = describe(t.Err())
	case t.IsDone():
		res, err := h.result(r.Context(), t)
		if err != nil {
			resp.Error = describe(err)
		}
		resp.Result = res
	}
	writeJSON(w, http.StatusOK, resp, h.opt.Pretty)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}
	t.Release()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*pool.Task, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, evalResponse{Error: &errorBody{Message: "invalid task id", Kind: "bad_request"}}, h.opt.Pretty)
		return nil, false
	}
	t, ok := h.sess.Pool().Task(id)
	if !ok {
		h.fail(w, pool.ErrUnknownTask)
		return nil, false
	}
	return t, true
}

func (h *Handler) result(ctx context.Context, t *pool.Task) (json.RawMessage, error) {
	v, err := h.sess.ResultValue(ctx, t)
	if err != nil {
		return nil, err
	}
	b, err := protojson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.opt.Logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, evalResponse{Error: describe(err)}, h.opt.Pretty)
}

// ------------------ Request parsing ------------------

var (
	errBodyTooLarge   = errors.New("body too large")
	errUnsupportedCT  = errors.New("unsupported Content-Type")
	errMissingSource  = errors.New("missing 'source'")
	errInvalidJSON    = errors.New("invalid JSON")
	errReadBodyFailed = errors.New("failed to read body")
)

func (h *Handler) parseRequest(r *http.Request) (EvalRequest, error) {
	var req EvalRequest
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return req, errUnsupportedCT
	}
	reader := io.Reader(r.Body)
	if h.opt.MaxBodyBytes > 0 {
		reader = io.LimitReader(r.Body, h.opt.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return req, errReadBodyFailed
	}
	defer r.Body.Close()
	if h.opt.MaxBodyBytes > 0 && int64(len(body)) > h.opt.MaxBodyBytes {
		return req, errBodyTooLarge
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errInvalidJSON
	}
	if req.Source == "" {
		return req, errMissingSource
	}
	return req, nil
}

// ------------------ Response formatting ------------------

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedCT):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errInvalidJSON), errors.Is(err, errMissingSource), errors.Is(err, errReadBodyFailed):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRuntimeException), errors.Is(err, engine.ErrTypeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func describe(err error) *errorBody {
	b := &errorBody{Message: err.Error(), Kind: kindOf(err)}
	var rex *engine.RuntimeException
	if errors.As(err, &rex) {
		b.Message = rex.Message
		b.Stack = rex.Stack
	}
	return b
}

func kindOf(err error) string {
	switch statusFor(err) {
	case http.StatusUnprocessableEntity:
		if errors.Is(err, engine.ErrTypeMismatch) {
			return "type_mismatch"
		}
		return "runtime_exception"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal"
	}
	return "bad_request"
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader+", Location")
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
