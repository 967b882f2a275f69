package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/isidrovera/printer-management-sub000/internal/agentclient"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Printer Control Agent", "version", AppVersion)

	if config.Agent.Token == "" {
		slog.Error("Agent token is required (agent.token or AGENT_TOKEN)")
		os.Exit(1)
	}

	if config.Server.URL != "" {
		if err := register(config.Server.URL, config.Agent.Token, config.Agent.DeviceType); err != nil {
			// Registration is retried implicitly on every status report;
			// a cold-start failure is not fatal.
			slog.Warn("Registration failed", "error", err)
		} else {
			slog.Info("Registered with control server", "server", config.Server.URL)
		}
	}

	client := agentclient.New(config.Agent)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- client.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			slog.Error("Agent stopped", "error", err)
			cancel()
			client.Stop()
			os.Exit(1)
		}
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	cancel()
	client.Stop()
	slog.Info("Shutdown complete")
}
