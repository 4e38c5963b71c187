// Command simulator runs the stub practice-management backend: the REST
// API and websocket push channel the tracker client talks to, backed by
// sqlite and seeded with a handful of demo sessions.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/practice-dashboard/realtime/internal/model"
	"github.com/practice-dashboard/realtime/internal/simulator"
)

func main() {
	_ = godotenv.Load()

	port := getEnv("SIMULATOR_PORT", "3003")
	dbPath := getEnv("SIMULATOR_DB_PATH", "data/sessions.db")
	token := getEnv("SIMULATOR_TOKEN", "dev-token")

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			log.Error("create database directory", "error", err)
			os.Exit(1)
		}
	}

	store, err := simulator.OpenStore(dbPath)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := seed(store); err != nil {
		log.Error("seed sessions", "error", err)
		os.Exit(1)
	}

	srv := simulator.NewServer(store, token, log)
	defer srv.Close()
	srv.StartCountdown(time.Second)

	httpSrv := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	log.Info("simulator listening", "port", port, "db", dbPath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// seed inserts demo sessions when the store is empty.
func seed(store *simulator.Store) error {
	ctx := context.Background()
	existing, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now()
	demo := []*model.Session{
		{
			ID:                "demo-1",
			Status:            model.StatusScheduled,
			ScheduledAt:       now.Add(15 * time.Minute),
			EstimatedDuration: 60,
			PatientName:       "Jordan Avery",
			ProviderName:      "Dr. Chen",
		},
		{
			ID:                "demo-2",
			Status:            model.StatusScheduled,
			ScheduledAt:       now.Add(90 * time.Minute),
			EstimatedDuration: 45,
			PatientName:       "Sam Okafor",
			ProviderName:      "Dr. Chen",
		},
		{
			ID:                "demo-3",
			Status:            model.StatusScheduled,
			ScheduledAt:       now.Add(3 * time.Hour),
			EstimatedDuration: 30,
			PatientName:       "Riley Novak",
			ProviderName:      "Dr. Chen",
		},
	}
	for _, sess := range demo {
		if err := store.CreateSession(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
