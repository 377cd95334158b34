// Package gateway is the REST frame over the dispatcher: one /api
// endpoint carrying action + params, admitted through the security
// preflight, token check, and scope binding. No command logic lives
// here; the gateway translates HTTP to a dispatch call and the envelope
// back to a status code.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aaviondb/aaviondb/internal/auth"
	"github.com/aaviondb/aaviondb/internal/dispatch"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/scope"
	"github.com/aaviondb/aaviondb/internal/security"
)

// Options configures a Server.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Auth       *auth.Manager
	Security   *security.Manager
	Logger     *slog.Logger
	Listen     string // host:port

	// GlobalRate caps requests per second across all clients before the
	// per-client windows are consulted. Zero means 200/s.
	GlobalRate float64
}

// Server serves the REST gateway.
type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	httpSrv *http.Server
}

// New builds a Server; call ListenAndServe or use Handler directly.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GlobalRate <= 0 {
		opts.GlobalRate = 200
	}
	return &Server{
		opts:    opts,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(opts.GlobalRate), int(opts.GlobalRate)),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/api", s.handleAPI)
	r.Post("/api", s.handleAPI)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// apiRequest is the POST body shape. GET requests carry the same fields
// as query parameters.
type apiRequest struct {
	Action    string         `json:"action"`
	Statement string         `json:"statement,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Payload   any            `json:"payload,omitempty"`
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	clientID := clientIdentifier(r)
	logger := s.logger.With("request_id", requestID, "client", clientID)

	if !s.limiter.Allow() {
		s.writeError(w, fault.New(fault.RateLimited, "global request limit exceeded").
			WithMeta("retry_after", 1), requestID)
		return
	}
	if err := s.opts.Security.Preflight(clientID).Err(); err != nil {
		s.writeError(w, err, requestID)
		return
	}
	if err := s.opts.Security.RegisterAttempt(clientID).Err(); err != nil {
		s.writeError(w, err, requestID)
		return
	}

	sc, keyHash, err := s.opts.Auth.Admit(bearerToken(r))
	if err != nil {
		s.opts.Security.RegisterFailure(clientID)
		logger.Warn("admission rejected", "error", err)
		s.writeError(w, err, requestID)
		return
	}

	req, err := decodeRequest(r)
	if err != nil {
		s.writeError(w, err, requestID)
		return
	}

	ctx := scope.WithScope(r.Context(), sc)
	var resp *dispatch.Response
	if req.Statement != "" {
		resp = s.opts.Dispatcher.Execute(ctx, req.Statement)
	} else {
		resp = s.opts.Dispatcher.Dispatch(ctx, req.Action, req.Params)
	}

	if resp.IsOK() {
		s.opts.Security.RegisterSuccess(clientID)
		if touchErr := s.opts.Auth.TouchAuthKey(keyHash, ""); touchErr != nil {
			logger.Warn("auth key touch failed", "error", touchErr)
		}
	}
	s.writeEnvelope(w, resp, requestID)
}

// decodeRequest reads the action and parameters from the query string
// (GET) or the JSON body (POST).
func decodeRequest(r *http.Request) (*apiRequest, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req := &apiRequest{
			Action:    q.Get("action"),
			Statement: q.Get("statement"),
			Params:    map[string]any{},
		}
		for key, values := range q {
			if key == "action" || key == "statement" || key == "token" || len(values) == 0 {
				continue
			}
			req.Params[key] = values[0]
		}
		if req.Action == "" && req.Statement == "" {
			return nil, fault.New(fault.InvalidParameter, "an action or statement is required")
		}
		return req, nil
	}

	var req apiRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, fault.Wrap(fault.InvalidJSON, err, "invalid request body: %v", err)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if req.Payload != nil {
		req.Params["payload"] = req.Payload
	}
	if req.Action == "" && req.Statement == "" {
		return nil, fault.New(fault.InvalidParameter, "an action or statement is required")
	}
	return &req, nil
}

// bearerToken extracts the API token from the Authorization header, the
// X-API-Key header, or the token query parameter, in that order.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, found := strings.CutPrefix(h, "Bearer "); found {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(h)
	}
	if h := r.Header.Get("X-API-Key"); h != "" {
		return strings.TrimSpace(h)
	}
	return r.URL.Query().Get("token")
}

func clientIdentifier(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeError(w http.ResponseWriter, err error, requestID string) {
	resp := dispatch.Errorf("", err.Error()).WithMeta("kind", string(fault.KindOf(err)))
	for k, v := range fault.MetaOf(err) {
		resp.WithMeta(k, v)
	}
	s.writeEnvelope(w, resp, requestID)
}

// writeEnvelope renders the dispatch envelope with the HTTP status that
// matches its fault kind; Retry-After accompanies 429 and 503.
func (s *Server) writeEnvelope(w http.ResponseWriter, resp *dispatch.Response, requestID string) {
	status := http.StatusOK
	if !resp.IsOK() {
		kind := fault.HandlerException
		if resp.Meta != nil {
			if k, ok := resp.Meta["kind"].(string); ok {
				kind = fault.Kind(k)
			} else if _, hasExc := resp.Meta["exception"]; !hasExc {
				kind = fault.InvalidParameter
			}
		} else {
			kind = fault.InvalidParameter
		}
		status = fault.HTTPStatus(kind)
		if retry, ok := retryAfterOf(resp); ok && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
	}
	resp.WithMeta("request_id", requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("envelope write failed", "error", err)
	}
}

func retryAfterOf(resp *dispatch.Response) (int, bool) {
	if resp.Meta == nil {
		return 0, false
	}
	switch v := resp.Meta["retry_after"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
