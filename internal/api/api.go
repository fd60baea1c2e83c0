package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whaleflow/whaleflow/internal/flow"
	"github.com/whaleflow/whaleflow/internal/genai"
	"github.com/whaleflow/whaleflow/internal/messaging"
	"github.com/whaleflow/whaleflow/internal/scheduler"
	"github.com/whaleflow/whaleflow/internal/store"
	"github.com/whaleflow/whaleflow/internal/twiliowhatsapp"
	"github.com/whaleflow/whaleflow/internal/whatsapp"
)

const (
	// shutdownTimeout bounds graceful HTTP shutdown on SIGINT/SIGTERM.
	shutdownTimeout = 10 * time.Second
	// sessionCleanupCron is how often the idle session purge runs.
	sessionCleanupCron = "*/30 * * * *"
)

// Run wires up all modules and serves the control API until interrupted.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	sessionStore, err := buildSessionStore(storeOpts)
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	msgService, waClient, err := buildMessagingService(waOpts)
	if err != nil {
		return err
	}

	engineOpts := buildEngineOptions(cfg, genaiOpts)
	engine := flow.NewEngine(sessionStore, msgService, engineOpts...)

	if cfg.SessionTTL > 0 {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		ttl := cfg.SessionTTL
		if err := sched.AddJob(sessionCleanupCron, func() {
			removed, err := sessionStore.DeleteIdleSessions(time.Now().Add(-ttl))
			if err != nil {
				slog.Error("Idle session cleanup failed", "error", err)
				return
			}
			if removed > 0 {
				slog.Info("Purged idle sessions", "removed", removed, "ttl", ttl)
			}
		}); err != nil {
			return err
		}
		slog.Info("Idle session cleanup scheduled", "ttl", ttl)
	}

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	// Feed channel events into the engine. Each message runs in its own
	// goroutine; the engine serializes work per identity.
	go func() {
		for msg := range msgService.Responses() {
			m := msg
			go engine.HandleInbound(ctx, m)
		}
	}()
	go func() {
		for receipt := range msgService.Receipts() {
			slog.Debug("Delivery receipt", "to", receipt.To, "status", receipt.Status)
		}
	}()

	server := NewServer(engine, msgService, waClient, apiOpts...)
	httpServer := &http.Server{Addr: server.Addr(), Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("WhaleFlow API running", "addr", server.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if waClient != nil {
		waClient.Disconnect()
	}
	return nil
}

// buildSessionStore picks the backend from the configured DSN. No DSN means
// sessions live only in memory.
func buildSessionStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("No database DSN configured, using in-memory session store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Info("Using PostgreSQL session store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("Using SQLite session store", "path", cfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// buildMessagingService selects Twilio when credentials are present in the
// environment, otherwise connects a Whatsmeow client.
func buildMessagingService(waOpts []whatsapp.Option) (messaging.Service, *whatsapp.Client, error) {
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		slog.Info("Twilio credentials detected, using Twilio channel")
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewTwilioService(twilioClient), nil, nil
	}

	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	return messaging.NewWhatsAppService(waClient), waClient, nil
}

// buildEngineOptions assembles optional engine collaborators: the AI
// generator and the record sink.
func buildEngineOptions(cfg Opts, genaiOpts []genai.Option) []flow.EngineOption {
	var engineOpts []flow.EngineOption

	if gen, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("GenAI client unavailable, ai_generate nodes will fail", "error", err)
	} else {
		engineOpts = append(engineOpts, flow.WithGenerator(gen))
	}

	if cfg.RecordsDir != "" {
		sink, err := store.NewFileRecordSink(cfg.RecordsDir)
		if err != nil {
			slog.Warn("Record sink unavailable, database_save nodes will fail", "error", err, "dir", cfg.RecordsDir)
		} else {
			engineOpts = append(engineOpts, flow.WithRecordSink(sink))
		}
	}

	return engineOpts
}
