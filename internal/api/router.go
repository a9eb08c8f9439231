// Package api exposes the HTTP surface of the losocloud control plane.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/losocloud/losocloud/internal/auth"
	"github.com/losocloud/losocloud/internal/db"
	"github.com/losocloud/losocloud/internal/events"
	"github.com/losocloud/losocloud/internal/metrics"
	"github.com/losocloud/losocloud/internal/vps"
	"github.com/losocloud/losocloud/internal/workerapi"
)

// Server holds the API server dependencies.
type Server struct {
	echo      *echo.Echo
	store     *db.Store
	broker    *vps.Broker
	transport *workerapi.Client
	bus       events.Bus
	redis     *redis.Client // nil disables the availability cache
}

// Deps bundles the collaborators the server routes over.
type Deps struct {
	Store     *db.Store
	Broker    *vps.Broker
	Transport *workerapi.Client
	Bus       events.Bus
	Redis     *redis.Client

	JWTIssuer *auth.JWTIssuer
	Discord   *auth.DiscordAuthenticator
	AdminKey  string
}

// NewServer creates a new API server with all routes configured.
func NewServer(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		store:     d.Store,
		broker:    d.Broker,
		transport: d.Transport,
		bus:       d.Bus,
		redis:     d.Redis,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// OAuth flow (no auth)
	if d.Discord != nil && d.Discord.Enabled() {
		oauth := auth.NewOAuthHandlers(d.Discord, d.JWTIssuer)
		e.GET("/auth/login", oauth.HandleLogin)
		e.GET("/auth/callback", oauth.HandleCallback)
		e.POST("/auth/logout", oauth.HandleLogout)
		e.GET("/auth/me", oauth.HandleMe, auth.UserJWTMiddleware(d.JWTIssuer))
	}

	// User routes (JWT auth)
	user := e.Group("/vps")
	user.Use(auth.UserJWTMiddleware(d.JWTIssuer))

	user.GET("/products", s.listProducts)
	user.GET("/availability", s.checkAvailability)
	user.POST("/purchase-and-create", s.purchaseAndCreate)
	user.GET("/sessions", s.listSessions)
	user.GET("/sessions/:id", s.getSession)
	user.POST("/sessions/:id/stop", s.stopSession)
	user.DELETE("/sessions/:id", s.deleteSession)
	user.GET("/sessions/:id/log", s.getSessionLog)
	user.GET("/sessions/:id/events", s.streamSessionEvents)

	e.GET("/wallet", s.getWallet, auth.UserJWTMiddleware(d.JWTIssuer))

	// Admin routes (API key)
	admin := e.Group("/admin")
	admin.Use(auth.APIKeyMiddleware(d.AdminKey))

	admin.GET("/workers", s.adminListWorkers)
	admin.POST("/workers", s.adminCreateWorker)
	admin.GET("/workers/:id", s.adminGetWorker)
	admin.PATCH("/workers/:id", s.adminUpdateWorker)
	admin.DELETE("/workers/:id", s.adminDeleteWorker)
	admin.POST("/workers/:id/enable", s.adminEnableWorker)
	admin.POST("/workers/:id/disable", s.adminDisableWorker)
	admin.POST("/workers/:id/health", s.adminWorkerHealth)
	admin.POST("/workers/:id/tokens", s.adminWorkerTokens)

	admin.GET("/products", s.adminListProducts)
	admin.POST("/products", s.adminCreateProduct)
	admin.PATCH("/products/:id", s.adminUpdateProduct)
	admin.PUT("/products/:id/workers", s.adminSetProductWorkers)

	admin.POST("/cleanup", s.adminCleanup)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}
