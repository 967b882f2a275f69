package systemtest

import (
	"context"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	internalhttp "github.com/isidrovera/printer-management-sub000/internal/api/http"
	"github.com/isidrovera/printer-management-sub000/internal/auth"
	"github.com/isidrovera/printer-management-sub000/internal/db"
	"github.com/isidrovera/printer-management-sub000/internal/dispatch"
	"github.com/isidrovera/printer-management-sub000/internal/events"
	"github.com/isidrovera/printer-management-sub000/internal/hub"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
	"github.com/isidrovera/printer-management-sub000/internal/tunnels"
	"github.com/isidrovera/printer-management-sub000/internal/users"
	"github.com/isidrovera/printer-management-sub000/systemtest/postgres"
	"github.com/isidrovera/printer-management-sub000/systemtest/tests"
)

const (
	jwtSecret   = "system-test-secret"
	adminAPIKey = "system-test-admin-key"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "testuser", "testpassword", "printer_control_test")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = postgres.TerminatePostgres(context.Background(), container)
	})

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(connString))

	pool, err := db.InitDB(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	agentStore := agents.NewService(pool)
	userService := users.NewService(pool)
	tunnelStore := tunnels.NewService(pool)

	bus := events.NewBus()
	history := events.NewHistory(events.DefaultRingCap)
	reg := registry.New(agentStore, bus)
	agentHub := hub.New(reg, agentStore, bus, history)
	dispatcher := dispatch.New(agentHub, bus)
	t.Cleanup(dispatcher.Stop)
	agentHub.SetRouter(dispatcher)
	broker := tunnels.NewBroker(tunnelStore, dispatcher, reg, bus)
	require.NoError(t, broker.Restore(ctx))

	reg.OnInactive(dispatcher.FailAgent)
	reg.OnInactive(broker.HandleAgentInactive)
	reg.OnInactive(agentHub.CloseAgent)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	internalhttp.SetupRoute(engine, internalhttp.Config{AdminAPIKey: adminAPIKey}, &internalhttp.Services{
		Registry:   reg,
		Hub:        agentHub,
		Dispatcher: dispatcher,
		Broker:     broker,
		Bus:        bus,
		History:    history,
		Agents:     agentStore,
		Users:      userService,
		JWT:        auth.Config{Secret: jwtSecret},
	})

	t.Run("Register", func(t *testing.T) { tests.TestRegister(t, engine, jwtSecret) })
	t.Run("Login", func(t *testing.T) { tests.TestLogin(t, engine, jwtSecret) })
	t.Run("AgentLifecycle", func(t *testing.T) { tests.TestAgentLifecycle(t, engine, jwtSecret, adminAPIKey) })
	t.Run("AgentSession", func(t *testing.T) { tests.TestAgentSession(t, engine, jwtSecret, adminAPIKey) })
	t.Run("TunnelAPI", func(t *testing.T) { tests.TestTunnelAPI(t, engine, jwtSecret, adminAPIKey) })
	t.Run("TunnelKeyBackstop", func(t *testing.T) { tests.TestTunnelKeyBackstop(t, ctx, engine, adminAPIKey, tunnelStore) })
}
