// Package api exposes the HTTP control surface of the daemon.
//
// All endpoints speak JSON. When a token is configured, every request must
// carry it as a bearer token. Binding to a non-loopback address without a
// token is refused.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"deployd/internal/pool"
	rtsup "deployd/internal/runtime/supervisor"
	"deployd/internal/store"
	logx "deployd/pkg/logx"
)

// Pool is the slice of the scheduler the API needs.
type Pool interface {
	Submit(ctx context.Context, targetID string, kind pool.Kind, priority *int) error
	Cancel(targetID string) bool
	CancelAll() int
	Info() pool.Info
	DetailedInfo() pool.DetailedInfo
}

type Config struct {
	Addr  string
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg  Config
	log  logx.Logger
	pool Pool
	st   store.Store // may be nil

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, p Pool, st store.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, pool: p, st: st}
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8866"
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("api refused to start: non-loopback addr requires a token")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "api"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.Go("http.serve", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		}()
		err := srv.Serve(ln)
		if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	sup := s.sup
	s.srv = nil
	s.ln = nil
	s.sup = nil
	s.mu.Unlock()

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	auth := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(h) }

	mux.HandleFunc("GET /v1/pool", auth(s.handlePoolInfo))
	mux.HandleFunc("GET /v1/pool/queue", auth(s.handlePoolQueue))
	mux.HandleFunc("GET /v1/deployments", auth(s.handleListDeployments))
	mux.HandleFunc("GET /v1/deployments/{id}", auth(s.handleGetDeployment))
	mux.HandleFunc("POST /v1/jobs", auth(s.handleSubmitJob))
	mux.HandleFunc("DELETE /v1/jobs/{id}", auth(s.handleCancelJob))
	mux.HandleFunc("DELETE /v1/jobs", auth(s.handleCancelAll))

	return mux
}

func (s *Server) handlePoolInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Info())
}

func (s *Server) handlePoolQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.DetailedInfo())
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		writeError(w, http.StatusNotImplemented, "store disabled")
		return
	}
	ds, err := s.st.ListDeployments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": ds})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		writeError(w, http.StatusNotImplemented, "store disabled")
		return
	}
	id := r.PathValue("id")
	d, ok, err := s.st.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	evs, err := s.st.ListEvents(r.Context(), id, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": d, "events": evs})
}

type submitRequest struct {
	TargetID string `json:"target_id"`
	Kind     string `json:"kind"`
	Priority *int   `json:"priority,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		writeError(w, http.StatusBadRequest, "target_id is required")
		return
	}
	kind, err := pool.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A create job may reference a target the store has never seen; register
	// it first so the scheduler's existence check passes.
	if kind == pool.KindCreate && s.st != nil {
		if _, ok, _ := s.st.GetDeployment(r.Context(), req.TargetID); !ok {
			err := s.st.UpsertDeployment(r.Context(), store.Deployment{
				ID:       req.TargetID,
				Status:   "pending",
				LastKind: kind.String(),
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}

	if err := s.pool.Submit(r.Context(), req.TargetID, kind, req.Priority); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "target_id": req.TargetID})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.pool.Cancel(id) {
		writeError(w, http.StatusNotFound, "no queued job for target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "target_id": id})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	n := s.pool.CancelAll()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func statusForErr(err error) int {
	switch {
	case errors.Is(err, pool.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pool.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, pool.ErrShuttingDown), errors.Is(err, pool.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
