package http

import (
	"github.com/gin-gonic/gin"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	"github.com/isidrovera/printer-management-sub000/internal/api/http/handler"
	"github.com/isidrovera/printer-management-sub000/internal/api/http/middleware"
	"github.com/isidrovera/printer-management-sub000/internal/auth"
	"github.com/isidrovera/printer-management-sub000/internal/dispatch"
	"github.com/isidrovera/printer-management-sub000/internal/events"
	"github.com/isidrovera/printer-management-sub000/internal/hub"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
	"github.com/isidrovera/printer-management-sub000/internal/tunnels"
	"github.com/isidrovera/printer-management-sub000/internal/users"
)

type Services struct {
	Registry   *registry.Registry
	Hub        *hub.Hub
	Dispatcher *dispatch.Dispatcher
	Broker     *tunnels.Broker
	Bus        *events.Bus
	History    *events.History
	Agents     *agents.Service
	Users      *users.Service
	JWT        auth.Config
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Users, srvs.JWT)
	engine.POST("/auth/register", authHandler.Register)
	engine.POST("/auth/login", authHandler.Login)

	agentHandler := handler.NewAgentHandler(srvs.Registry, srvs.Agents)
	connectHandler := handler.NewConnectHandler(srvs.Registry, srvs.Hub)

	// Agent-facing surface: authenticated by the minted agent token itself.
	engine.POST("/agents/register", agentHandler.Register)
	engine.GET("/agents/connect", connectHandler.Connect)

	// Operator surface behind JWT.
	operator := engine.Group("/", middleware.JWTAuth(srvs.JWT.Secret))
	{
		operator.GET("/agents", agentHandler.List)
		operator.GET("/agents/:id", agentHandler.Get)
		operator.DELETE("/agents/:id", agentHandler.Delete)
		operator.GET("/agents/:id/connections", agentHandler.ConnectionHistory)

		commandHandler := handler.NewCommandHandler(srvs.Registry, srvs.Dispatcher)
		operator.POST("/agents/:id/commands", commandHandler.Dispatch)

		tunnelHandler := handler.NewTunnelHandler(srvs.Broker)
		operator.POST("/tunnels", tunnelHandler.Open)
		operator.GET("/tunnels", tunnelHandler.List)
		operator.GET("/tunnels/:id", tunnelHandler.Get)
		operator.DELETE("/tunnels/:id", tunnelHandler.Close)

		eventHandler := handler.NewEventHandler(srvs.Bus, srvs.History)
		operator.GET("/events", eventHandler.Stream)
		operator.GET("/agents/:id/logs", eventHandler.AgentLogs)
	}

	// Token minting is a provisioning action, gated by the admin API key.
	admin := engine.Group("/", middleware.APIKeyAuth(cfg.AdminAPIKey))
	{
		admin.POST("/agents/tokens", agentHandler.MintToken)
	}
}
