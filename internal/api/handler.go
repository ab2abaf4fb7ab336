package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mirror-core/internal/events"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
)

// ConfigInvalidator is notified after any risk config mutation so the
// decision path sees the change immediately.
type ConfigInvalidator interface {
	Invalidate()
}

// ReconcileStatus reports when reconciliation last completed.
type ReconcileStatus interface {
	LastRun() time.Time
}

// Server wires the ops HTTP surface around the event bus and store.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Reg       *registry.Registry
	Cache     ConfigInvalidator
	Recon     ReconcileStatus
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime identity exposed on the status endpoint.
type SystemMeta struct {
	Venue   string
	Version string
}

func NewServer(bus *events.Bus, database *db.Database, reg *registry.Registry, cache ConfigInvalidator, recon ReconcileStatus, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Reg:       reg,
		Cache:     cache,
		Recon:     recon,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/accounts", s.getAccounts)
		api.GET("/risk", s.getRiskConfig)
		api.GET("/exposure", s.getExposure)

		// Mutations require an operator token
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.PUT("/risk", s.updateRiskConfig)
			protected.POST("/killswitch", s.setKillSwitch)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
