package rpcserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nexi-lab/nexus/internal/fs"
	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/rebac"
	"github.com/nexi-lab/nexus/internal/router"
)

const (
	wellKnownPath = "/.well-known/agent.json"
	healthPath    = "/healthz"
	rpcPath       = "/rpc"
)

// Config configures a Server, grounded on http/server.go's ServerConfig.
type Config struct {
	Host            string
	Port            int
	BodyLimit       string // e.g. "10M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // requests/sec, 0 = no limit

	JWTSecret       string
	JWTExpiration   time.Duration
	DefaultDeadline time.Duration

	ServiceName string
	Version     string
}

// DefaultConfig mirrors DefaultServerConfig's defaults, adapted for Nexus.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		JWTExpiration:   24 * time.Hour,
		DefaultDeadline: 30 * time.Second,
		ServiceName:     "nexus",
	}
}

// Server is the RPC surface: one Echo instance dispatching every JSON-RPC
// method through handlerTable, backed by the one filesystem core and
// ReBAC engine instance the rest of the process uses.
type Server struct {
	cfg    Config
	e      *echo.Echo
	core   *fs.Core
	engine *rebac.Engine
	router *router.Router
	store  metadatastore.Store
	jwt    *jwtService
	log    *logrus.Logger
	jobs   *jobManager
}

// New constructs a Server. store is the identity/tuple/namespace store —
// the same one backing the root mount — used for API-key lookups,
// namespace administration, and audit; core and engine are the one
// filesystem/permission pair every operation, RPC or otherwise, goes
// through.
func New(cfg Config, core *fs.Core, engine *rebac.Engine, r *router.Router, store metadatastore.Store, log *logrus.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		core:   core,
		engine: engine,
		router: r,
		store:  store,
		jwt:    newJWTService(cfg.JWTSecret, cfg.JWTExpiration),
		log:    log,
		jobs:   newJobManager(1000),
	}
	s.e = s.newEcho()
	return s
}

// newEcho builds the Echo instance, grounded on http/server.go's
// NewEchoServer middleware stack, with the trace-tagging and auth
// middleware spec.md §4.6 additionally requires layered on top.
func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if s.cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{
				echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
				echo.HeaderAuthorization, gatewayKeyHeader,
			},
		}))
	}
	e.Use(middleware.RequestID())
	if s.cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(s.cfg.RateLimit))))
	}
	e.Use(s.jobs.traceMiddleware)
	e.Use(s.authMiddleware)

	e.HTTPErrorHandler = s.errorHandler

	e.GET(healthPath, s.handleHealth)
	e.GET(wellKnownPath, s.handleAgentCard)
	e.POST(rpcPath, s.handleRPC)
	e.GET("/jobs/:id/stream", s.handleJobStream)

	return e
}

// errorHandler adapts CustomHTTPErrorHandler's shape to Nexus's plain
// JSON error body; JSON-RPC errors never reach here since handleRPC
// always responds 200 with a JSON-RPC error envelope per spec.
func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	if jsonErr := c.JSON(code, map[string]string{"error": http.StatusText(code), "message": message}); jsonErr != nil {
		s.log.WithError(jsonErr).Error("failed to write error response")
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "service": s.cfg.ServiceName, "version": s.cfg.Version})
}

// agentCard is the static document the .well-known/agent.json endpoint
// serves, shaped like registry/capability.go's ServiceCapabilities but
// repurposed for RPC-method capability advertising instead of
// semantic-action advertising.
type agentCard struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	AuthSchemes  []string            `json:"auth_schemes"`
	Streaming    bool                `json:"streaming"`
	Capabilities []methodCapability  `json:"capabilities"`
}

type methodCapability struct {
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (s *Server) handleAgentCard(c echo.Context) error {
	return c.JSON(http.StatusOK, s.buildAgentCard())
}

func (s *Server) buildAgentCard() agentCard {
	caps := make([]methodCapability, 0, len(handlerTable))
	for method, h := range handlerTable {
		caps = append(caps, methodCapability{Method: method, Description: h.description})
	}
	return agentCard{
		Name:        s.cfg.ServiceName,
		Version:     s.cfg.Version,
		AuthSchemes: []string{"bearer-api-key", "bearer-jwt"},
		Streaming:   true,
		Capabilities: caps,
	}
}

// Start runs the Echo server, blocking until it exits or Shutdown is
// called, matching StartServer's http.Server construction with explicit
// read/write timeouts.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.WithField("addr", srv.Addr).Info("rpcserver listening")
	err := s.e.StartServer(srv)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, matching GracefulShutdown's
// context-with-timeout pattern.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.e.Shutdown(shutdownCtx)
}
