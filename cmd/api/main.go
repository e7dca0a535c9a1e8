package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"folio/api/internal/app"
	"folio/api/internal/config"
	"folio/api/internal/email"
	"folio/api/internal/notify"
	"folio/api/internal/reaper"
	"folio/api/internal/session"
	"folio/api/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := store.ApplyMigrations(migrateCtx, db, cfg.MigrationsDir); err != nil {
		cancel()
		log.Fatalf("migrations: %v", err)
	}
	cancel()

	notifier, err := notify.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer notifier.Close()

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, notifier)

	revoker, err := session.NewRevoker(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis revoker: %v", err)
	}
	defer revoker.Close()
	service.SetRevoker(revoker)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		service.SetMailer(mailer)
	} else {
		log.Printf("email: not configured, invitation mail disabled")
	}

	sweeper := reaper.New(dataStore, notifier, cfg.LockStaleAfter, cfg.PresenceHorizon, cfg.ReaperInterval)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", cfg.Addr)
		errs <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("api: received %s, shutting down", sig)
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api: server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("api: shutdown: %v", err)
	}
}
