// Package ops serves the operator HTTP endpoints: health, Prometheus metrics,
// task and supervisor snapshots, and optionally pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	rtsup "hundredbot/internal/runtime/supervisor"
	"hundredbot/internal/scheduler"
	logx "hundredbot/pkg/logx"
)

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

const defaultAddr = "127.0.0.1:9100"

// MetricsSource is implemented by metrics.Metrics.
type MetricsSource interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

// Sources feed the endpoints. Nil funcs render as empty.
type Sources struct {
	Metrics     MetricsSource
	Tasks       func() []scheduler.TaskStatus
	LastSweep   func() scheduler.SweepSummary
	Supervisors func() map[string]rtsup.Snapshot
	// Ready reports nil once the bot is serving.
	Ready func() error
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

// Supervisor returns the server's supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr returns the bound address while serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server as
// needed. Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "ops.http"))),
			// ops endpoints are optional; never take the bot down.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("ops http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	log := s.log

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		log.Error("ops http refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("ops http refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ops http listen %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	log.Info("ops http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops http server exited unexpectedly")
	}
	return err
}

// Handler builds the router for cfg. /healthz is always open; everything
// else sits behind the token when one is set.
func (s *Service) Handler(cfg Config) http.Handler {
	r := mux.NewRouter()
	if s.src.Metrics != nil {
		r.Use(s.src.Metrics.Middleware)
	}
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	priv := r.NewRoute().Subrouter()
	priv.Use(bearerAuth(cfg.Token))
	if s.src.Metrics != nil {
		priv.Handle("/metrics", s.src.Metrics.Handler()).Methods(http.MethodGet)
	}
	priv.HandleFunc("/ops/tasks", s.tasks).Methods(http.MethodGet)
	priv.HandleFunc("/ops/supervisors", s.supervisors).Methods(http.MethodGet)
	priv.HandleFunc("/ops/sweep", s.sweep).Methods(http.MethodGet)
	if cfg.Pprof {
		priv.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		priv.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		priv.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		priv.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		priv.PathPrefix("/debug/pprof/").HandlerFunc(hpprof.Index)
	}

	var h http.Handler = r
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.log}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return h
}

func (s *Service) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Debug("ops http request",
		logx.String("method", p.Request.Method),
		logx.String("path", p.URL.Path),
		logx.Int("status", p.StatusCode),
		logx.Int("size", p.Size),
	)
}

type recoveryLogger struct{ log logx.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("ops http panic", logx.String("detail", strings.TrimSpace(fmt.Sprintln(v...))))
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	if s.src.Ready != nil {
		if err := s.src.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) tasks(w http.ResponseWriter, _ *http.Request) {
	out := []scheduler.TaskStatus{}
	if s.src.Tasks != nil {
		out = append(out, s.src.Tasks()...)
	}
	writeJSON(w, map[string]any{"count": len(out), "tasks": out})
}

func (s *Service) supervisors(w http.ResponseWriter, _ *http.Request) {
	out := map[string]rtsup.Snapshot{}
	if s.src.Supervisors != nil {
		out = s.src.Supervisors()
	}
	writeJSON(w, out)
}

func (s *Service) sweep(w http.ResponseWriter, _ *http.Request) {
	var out scheduler.SweepSummary
	if s.src.LastSweep != nil {
		out = s.src.LastSweep()
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
