// Package api serves the notification, medication-action and health score
// endpoints over HTTP with echo.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"medwatch/internal/adherence"
	"medwatch/internal/ledger"
	"medwatch/internal/notify"
	rtsup "medwatch/internal/runtime/supervisor"
	"medwatch/internal/storage"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/logx"
)

type Config struct {
	Addr        string
	JWTSecret   string
	Development bool

	// ScoreRatePerMin and ScoreBurst bound GET /healthscore per user.
	// Zero disables the limit.
	ScoreRatePerMin int
	ScoreBurst      int

	Pprof bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Scorer recomputes a user's score on demand.
type Scorer interface {
	Recompute(ctx context.Context, owner int64) (adherence.Report, error)
}

// Reminders lists a user's doses due within the reminder lookahead.
type Reminders interface {
	DueFor(ctx context.Context, owner int64) ([]storage.Medication, error)
}

// SnapshotSource reports scheduler state for /health.
type SnapshotSource interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Sink      *notify.Sink
	Ledger    *ledger.Ledger
	Scorer    Scorer
	Reminders Reminders
	Schedules SnapshotSource
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	secret []byte
	dev    bool
	e      *echo.Echo

	mu       sync.Mutex
	srv      *http.Server
	sup      *rtsup.Supervisor
	started  time.Time
	stopDone chan struct{}
}

// New builds the echo router. It fails when no JWT secret is configured.
func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("api: jwt secret required")
	}
	if deps.Sink == nil || deps.Ledger == nil || deps.Scorer == nil || deps.Reminders == nil {
		return nil, errors.New("api: sink, ledger, scorer and reminders are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(logx.String("comp", "api")),
		secret: []byte(cfg.JWTSecret),
		dev:    cfg.Development,
	}
	s.e = s.router()
	return s, nil
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("http request",
				logx.String("method", v.Method),
				logx.String("path", v.URIPath),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	e.GET("/health", s.health)
	if s.cfg.Pprof {
		mountPprof(e)
	}

	g := e.Group("/api", s.requireOwner)
	g.GET("/notifications", s.listNotifications)
	g.GET("/notifications/count", s.countNotifications)
	g.PUT("/notifications/read-all", s.markAllRead)
	g.PUT("/notifications/:id/read", s.markRead)
	g.DELETE("/notifications/:id", s.deleteNotification)

	g.GET("/medication-actions", s.listActions)
	g.POST("/medication-actions/:id/revert", s.revertAction)
	g.DELETE("/medication-actions/:id", s.deleteAction)
	g.PUT("/medications/:id/taken", s.setTaken)
	g.GET("/medication-reminders", s.medicationReminders)

	var lim *ownerLimiter
	if s.cfg.ScoreRatePerMin > 0 {
		lim = newOwnerLimiter(s.cfg.ScoreRatePerMin, s.cfg.ScoreBurst)
	}
	g.GET("/healthscore", s.healthScore, s.rateLimited(lim))
	return e
}

// Handler exposes the router (tests, embedding).
func (s *Server) Handler() http.Handler { return s.e }

func mountPprof(e *echo.Echo) {
	e.GET("/debug/pprof/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	e.GET("/debug/pprof/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	e.GET("/debug/pprof/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	e.GET("/debug/pprof/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	e.GET("/debug/pprof/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	e.GET("/debug/pprof/:name", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
}

// Start serves in the background under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.started = time.Now()
	s.sup.GoRestart("http.serve", s.serveOnce, 500*time.Millisecond, 10*time.Second)
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
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
		sup.Cancel()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
			}
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("http stop timed out")
	}
}
