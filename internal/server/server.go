/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/autojoin/internal/api"
	"github.com/friendsincode/autojoin/internal/calendar"
	"github.com/friendsincode/autojoin/internal/config"
	"github.com/friendsincode/autojoin/internal/eventbus"
	"github.com/friendsincode/autojoin/internal/events"
	"github.com/friendsincode/autojoin/internal/logbuffer"
	"github.com/friendsincode/autojoin/internal/oauth"
	"github.com/friendsincode/autojoin/internal/scheduler"
	"github.com/friendsincode/autojoin/internal/store"
	"github.com/friendsincode/autojoin/internal/tabs"
	"github.com/friendsincode/autojoin/internal/telemetry"
	"github.com/friendsincode/autojoin/internal/timers"
	"github.com/friendsincode/autojoin/internal/version"
)

const storeMetricsInterval = 30 * time.Second

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	logBuffer *logbuffer.Buffer
	stores    *store.Opener
	settings  *store.SettingsRepo
	snapshots *store.SnapshotRepo
	bus       events.Broker
	browser   tabs.Backend
	tokens    *oauth.GoogleProvider
	alarms    *timers.Manager
	scheduler *scheduler.Service
	updates   *version.Checker
	api       *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(ctx context.Context, cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(accessLog(logger))
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(otelhttp.NewMiddleware("autojoin-api"))
	router.Use(telemetry.MetricsMiddleware)
	// The event stream is long-lived; everything else gets a deadline.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(ctx); err != nil {
		_ = srv.Close()
		return nil, err
	}

	if cfg.MetricsBind != "" {
		mux := chi.NewRouter()
		mux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
	}

	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one debug line per request through zerolog.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func (s *Server) initDependencies(ctx context.Context) error {
	s.stores = store.NewOpener(s.cfg, s.logger)
	s.DeferClose(s.stores.Close)

	syncStore, err := s.stores.Open(ctx, store.ScopeSync)
	if err != nil {
		return fmt.Errorf("open sync store: %w", err)
	}
	localStore, err := s.stores.Open(ctx, store.ScopeLocal)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	s.settings = store.NewSettingsRepo(syncStore)
	s.snapshots = store.NewSnapshotRepo(localStore)

	seeded, err := s.settings.EnsureDefaults(ctx)
	if err != nil {
		return fmt.Errorf("seed default settings: %w", err)
	}
	if len(seeded) > 0 {
		s.logger.Info().Strs("keys", seeded).Msg("default settings written")
	}

	s.bus, err = eventbus.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.DeferClose(s.bus.Close)

	s.browser, err = tabs.New(tabs.Config{
		Backend:    s.cfg.BrowserBackend,
		ControlURL: s.cfg.BrowserControlURL,
		Headless:   s.cfg.BrowserHeadless,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("create tab controller: %w", err)
	}
	s.DeferClose(s.browser.Shutdown)
	controller := tabs.Instrument(s.browser)

	s.tokens = oauth.NewGoogleProvider(oauth.Config{
		ClientID:     s.cfg.OAuthClientID,
		ClientSecret: s.cfg.OAuthSecret,
		TokenPath:    s.cfg.TokenPath,
		ListenAddr:   s.cfg.OAuthListenAddr,
	}, TabOpener(controller), s.logger)

	source := calendar.NewClient(calendar.Config{
		Endpoint:   s.cfg.CalendarEndpoint,
		CalendarID: s.cfg.CalendarID,
	}, s.logger)

	s.alarms = timers.NewManager(timers.RealClock{}, s.logger)
	s.DeferClose(s.alarms.Close)

	s.scheduler = scheduler.New(scheduler.Deps{
		Tokens:    s.tokens,
		Calendar:  source,
		Settings:  s.settings,
		Snapshots: s.snapshots,
		Alarms:    s.alarms,
		Tabs:      controller,
		Bus:       s.bus,
		Clock:     s.alarms.Clock(),
	}, scheduler.Options{
		Lookahead: s.cfg.Lookahead,
		CheckCron: s.cfg.CheckCron,
	}, s.logger)
	s.alarms.OnFire(s.scheduler.OnAlarm)

	s.updates = version.NewChecker(s.logger)

	s.api = api.New([]byte(s.cfg.JWTSigningKey), s.scheduler, s.tokens, s.updates, s.bus, s.logBuffer, s.logger)

	return nil
}

// TabOpener adapts a tab controller to the consent URL opener.
func TabOpener(c tabs.Controller) oauth.URLOpener {
	return func(ctx context.Context, url string) error {
		_, err := c.Open(ctx, url)
		return err
	}
}

// HTTPServer exposes the control API server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the metrics server, nil when metrics share the API listener.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// LogBuffer returns the server's log buffer.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Start launches the scheduler and other background loops.
func (s *Server) Start() {
	if s.bgCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler loop exited")
		}
	}()

	s.updates.Start(ctx)

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(storeMetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.stores.UpdateMetrics()
			}
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.updates.Stop()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// Close stops background work and releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if s.metricsServer == nil {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.api.Routes(s.router)
}
