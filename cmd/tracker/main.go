// Command tracker is a terminal client for the realtime session layer. It
// connects the push channel, optionally joins a session given on the
// command line, and streams session updates, presence changes and
// notifications to the log until interrupted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/practice-dashboard/realtime/internal/bus"
	"github.com/practice-dashboard/realtime/internal/client"
	"github.com/practice-dashboard/realtime/internal/config"
	"github.com/practice-dashboard/realtime/internal/model"
	"github.com/practice-dashboard/realtime/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	rt := client.New(cfg, nil, log)
	defer rt.Close()

	rt.Subscribe(bus.TopicConnectionStatus, func(payload any) {
		status, ok := payload.(transport.Status)
		if !ok {
			return
		}
		if status.Connected {
			log.Info("push channel connected")
		} else {
			log.Warn("push channel disconnected", "retries", status.RetryCount, "error", status.LastError)
		}
	})
	rt.Subscribe(bus.TopicSessionUpdate, func(payload any) {
		sess, ok := payload.(model.Session)
		if !ok {
			return
		}
		log.Info("session update",
			"session", sess.ID,
			"status", sess.Status,
			"patient", sess.PatientName,
			"pending", sess.Pending,
			"remaining", model.FormatClock(rt.Remaining(sess.ID)),
			"controllable", sess.Controllable())
	})
	rt.Subscribe(bus.TopicPresenceChange, func(payload any) {
		roster, ok := payload.([]model.Participant)
		if !ok {
			return
		}
		log.Info("roster changed", "participants", len(roster))
	})
	rt.Subscribe(bus.TopicNotificationNew, func(payload any) {
		n, ok := payload.(model.Notification)
		if !ok {
			return
		}
		log.Info("notification", "severity", n.Severity, "message", n.Message)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		log.Error("connect failed", "error", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 {
		sessionID := os.Args[1]
		if err := rt.JoinSession(ctx, sessionID); err != nil {
			log.Error("join session", "session", sessionID, "error", err)
			os.Exit(1)
		}
		log.Info("tracking session", "session", sessionID)
	}

	<-ctx.Done()
	log.Info("shutting down")
}
