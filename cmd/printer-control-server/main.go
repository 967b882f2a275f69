package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	internalhttp "github.com/isidrovera/printer-management-sub000/internal/api/http"
	"github.com/isidrovera/printer-management-sub000/internal/db"
	"github.com/isidrovera/printer-management-sub000/internal/dispatch"
	"github.com/isidrovera/printer-management-sub000/internal/events"
	"github.com/isidrovera/printer-management-sub000/internal/hub"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
	"github.com/isidrovera/printer-management-sub000/internal/tunnels"
	"github.com/isidrovera/printer-management-sub000/internal/users"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Printer Control Server", "version", AppVersion)

	ctx := context.Background()

	if err := db.RunMigrations(config.Database.Url); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := db.InitDB(ctx, config.Database.Url)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	agentStore := agents.NewService(pool)
	userService := users.NewService(pool)
	tunnelStore := tunnels.NewService(pool)

	bus := events.NewBus()
	history := events.NewHistory(events.DefaultRingCap)

	reg := registry.New(agentStore, bus)
	agentHub := hub.New(reg, agentStore, bus, history)

	dispatcher := dispatch.New(agentHub, bus)
	defer dispatcher.Stop()
	agentHub.SetRouter(dispatcher)

	broker := tunnels.NewBroker(tunnelStore, dispatcher, reg, bus)
	if err := broker.Restore(ctx); err != nil {
		slog.Error("Failed to restore tunnel state", "error", err)
		os.Exit(1)
	}

	// Agent loss cascades: pending commands fail, live tunnels error, and on
	// delete the session itself is torn down.
	reg.OnInactive(dispatcher.FailAgent)
	reg.OnInactive(broker.HandleAgentInactive)
	reg.OnInactive(agentHub.CloseAgent)

	services := &internalhttp.Services{
		Registry:   reg,
		Hub:        agentHub,
		Dispatcher: dispatcher,
		Broker:     broker,
		Bus:        bus,
		History:    history,
		Agents:     agentStore,
		Users:      userService,
		JWT:        config.JWT,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	agentHub.Shutdown()
	slog.Info("Shutdown complete")
}
