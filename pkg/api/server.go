// Package api exposes token lifecycle and usage accounting over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/models"
)

// maxBodySize bounds request bodies; every payload is a handful of fields.
const maxBodySize = 64 * 1024

// Backend is the set of kansas operations served over HTTP.
type Backend interface {
	Set(ctx context.Context, req models.TokenRequest) (*models.Token, error)
	Get(ctx context.Context, token string) (*models.Token, error)
	Del(ctx context.Context, token string) error
	Consume(ctx context.Context, token string, units int64) (int64, error)
	Count(ctx context.Context, token string, units int64) (int64, error)
	Usage(ctx context.Context, token string) (int64, error)
	UsageByOwner(ctx context.Context, ownerID string) ([]models.Token, error)
	ChangePolicy(ctx context.Context, change models.PolicyChange) error
	Policies() []models.Policy
}

// RequestObserver records served requests. route is the matched pattern,
// not the raw path.
type RequestObserver interface {
	ObserveRequest(method, route string, code int, d time.Duration)
}

// Options configures a Server.
type Options struct {
	Logger   hclog.Logger
	Observer RequestObserver
	// Extra handlers mounted by path, for example /metrics.
	Extra map[string]http.Handler
}

// Server is the kansas HTTP API.
type Server struct {
	backend  Backend
	addr     string
	logger   hclog.Logger
	observer RequestObserver
	router   chi.Router
}

// New creates a Server listening on addr.
func New(backend Backend, addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	s := &Server{
		backend:  backend,
		addr:     addr,
		logger:   opts.Logger.Named("api"),
		observer: opts.Observer,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	for path, h := range opts.Extra {
		r.Handle(path, h)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/policies", s.handlePolicies)
		r.Post("/tokens", s.handleCreate)
		r.Route("/tokens/{token}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Post("/consume", s.handleConsume)
			r.Post("/count", s.handleCount)
			r.Get("/usage", s.handleUsage)
		})
		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Get("/tokens", s.handleOwnerTokens)
			r.Put("/policy", s.handleChangePolicy)
		})
	})
	s.router = r
	return s
}

// logRequests logs every request at debug level and feeds the observer.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		d := time.Since(start)
		s.logger.Debug("request", "method", r.Method, "route", route, "status", code,
			"duration", d, "request_id", middleware.GetReqID(r.Context()))
		if s.observer != nil {
			s.observer.ObserveRequest(r.Method, route, code, d)
		}
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type unitsRequest struct {
	Units *int64 `json:"units"`
}

type policyRequest struct {
	PolicyName string `json:"policy_name"`
}

type consumeResponse struct {
	Token     string `json:"token"`
	Remaining int64  `json:"remaining"`
}

type countResponse struct {
	Token    string `json:"token"`
	Consumed int64  `json:"consumed"`
}

type usageResponse struct {
	Token string `json:"token"`
	Usage int64  `json:"usage"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Policies())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	tok, err := s.backend.Set(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "token")
	tok, err := s.backend.Get(r.Context(), id)
	if err == nil && tok == nil {
		err = errs.TokenNotExists(id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Del(r.Context(), chi.URLParam(r, "token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	units, ok := s.units(w, r)
	if !ok {
		return
	}
	token := chi.URLParam(r, "token")
	remaining, err := s.backend.Consume(r.Context(), token, units)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumeResponse{Token: token, Remaining: remaining})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	units, ok := s.units(w, r)
	if !ok {
		return
	}
	token := chi.URLParam(r, "token")
	consumed, err := s.backend.Count(r.Context(), token, units)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Token: token, Consumed: consumed})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	usage, err := s.backend.Usage(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{Token: token, Usage: usage})
}

func (s *Server) handleOwnerTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := s.backend.UsageByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if toks == nil {
		toks = []models.Token{}
	}
	writeJSON(w, http.StatusOK, toks)
}

func (s *Server) handleChangePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !s.decode(w, r, &req) {
		return
	}
	change := models.PolicyChange{OwnerID: chi.URLParam(r, "owner"), PolicyName: req.PolicyName}
	if err := s.backend.ChangePolicy(r.Context(), change); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// units reads the optional units field; an empty body means one unit.
func (s *Server) units(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req unitsRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return 0, false
		}
	}
	if req.Units == nil {
		return 1, true
	}
	return *req.Units, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(errs.KindValidation), "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(errs.KindValidation), "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	kind := string(errs.KindOf(err))
	if t := errs.TypeOf(err); t != errs.TypeNone {
		kind = fmt.Sprintf("%s.%s", kind, t)
	}
	writeJSONError(w, code, kind, err.Error())
}

// StatusCode maps a kansas error to an HTTP status.
func StatusCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindTokenNotExists:
		return http.StatusNotFound
	case errs.KindUsageLimit:
		return http.StatusTooManyRequests
	case errs.KindPolicy:
		if errs.TypeOf(err) == errs.TypeMaxTokensPerUser {
			return http.StatusConflict
		}
		return http.StatusNotFound
	case errs.KindDatabase:
		if errs.TypeOf(err) == errs.TypeConnectionFailure {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q,"code":%d}}`, message, kind, code)
}
