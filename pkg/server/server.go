// Package server provides the public entry point for initializing the
// Mailsense triage core.
//
// This package lives in pkg/ (not internal/) so deployment wrappers can
// import it and compose the full server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/api"
	"github.com/mailsense/mailsense/triage-core/internal/api/handlers"
	"github.com/mailsense/mailsense/triage-core/internal/classifier"
	"github.com/mailsense/mailsense/triage-core/internal/config"
	"github.com/mailsense/mailsense/triage-core/internal/ingest"
	"github.com/mailsense/mailsense/triage-core/internal/learner"
	"github.com/mailsense/mailsense/triage-core/internal/notify"
	"github.com/mailsense/mailsense/triage-core/internal/orchestrator"
	modelrouter "github.com/mailsense/mailsense/triage-core/internal/router"
	"github.com/mailsense/mailsense/triage-core/internal/retention"
	"github.com/mailsense/mailsense/triage-core/internal/review"
	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/internal/telemetry"
	"github.com/mailsense/mailsense/triage-core/internal/worker"
)

// Server holds the initialized triage core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory without DATABASE_URL).
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	pool     *worker.Pool
	learner  *learner.Learner
	janitor  *retention.Janitor
	maildrop *ingest.MaildropPoller
}

// New initializes every component and returns a ready Server. Background
// work (workers, learner, janitor, maildrop) does not run until Start.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = pg
		log.Info().Msg("PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	lrn := learner.New(cfg.Learner, dataStore)
	mr := modelrouter.New(cfg.Router, lrn)
	cl := classifier.New()
	orch := orchestrator.New(mr, cfg.Worker.AnalyzerTimeout, cfg.Worker.PeerWait)
	notifier := notify.NewService(dataStore)
	ing := ingest.NewService(dataStore)
	rev := review.New(dataStore, lrn)
	pool := worker.NewPool(*cfg, dataStore, cl, mr, orch, notifier, lrn)
	janitor := retention.NewJanitor(dataStore, time.Hour, retention.DefaultRetention)

	var maildrop *ingest.MaildropPoller
	if cfg.Ingest.MaildropDir != "" {
		maildrop = ingest.NewMaildropPoller(cfg.Ingest.MaildropDir, cfg.Ingest.PollInterval, ing)
	}

	h := handlers.New(dataStore, mr, ing, rev, lrn)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		pool:         pool,
		learner:      lrn,
		janitor:      janitor,
		maildrop:     maildrop,
	}, nil
}

// Start launches the background components. They all stop when ctx is
// cancelled; Drain waits for in-flight work afterward.
func (s *Server) Start(ctx context.Context) {
	s.learner.Start(ctx)
	s.pool.Start(ctx)
	go s.janitor.Start(ctx)
	if s.maildrop != nil {
		go s.maildrop.Run(ctx)
	}
}

// Drain blocks until the worker pool and learner have finished their
// in-flight work after cancellation.
func (s *Server) Drain() {
	s.pool.Wait()
	s.learner.Wait()
}
