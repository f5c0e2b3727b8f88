// Package router provides HTTP routing, middleware configuration, and server setup for the API
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outboundlabs/dispatchd/app/dto"
	"github.com/outboundlabs/dispatchd/app/handlers"
	"github.com/outboundlabs/dispatchd/app/middleware"
	"github.com/outboundlabs/dispatchd/config"
)

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	Shutdown(ctx context.Context) error
	GetApp() *fiber.App
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app             *fiber.App
	dispatchHandler handlers.DispatchHandlerInterface
	cfg             *config.Config
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(dispatchHandler handlers.DispatchHandlerInterface, cfg *config.Config) Router {
	app := fiber.New(fiber.Config{
		AppName:      "dispatchd API",
		ServerHeader: "dispatchd",
		ErrorHandler: errorHandler,
		BodyLimit:    16 * 1024 * 1024, // recipient lists are large
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return &FiberRouter{
		app:             app,
		dispatchHandler: dispatchHandler,
		cfg:             cfg,
	}
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	api := r.app.Group("/api/v1")

	// Health check route
	api.Get("/health", r.dispatchHandler.Health)

	// Dispatch lifecycle and execution
	dispatches := api.Group("/dispatches")
	dispatches.Post("/", r.dispatchHandler.CreateDispatch)
	dispatches.Post("/ingest", r.dispatchHandler.IngestRecipients)
	dispatches.Post("/run", r.dispatchHandler.RunDispatch)
	dispatches.Get("/:id", r.dispatchHandler.GetDispatchStatus)
	dispatches.Post("/:id/pause", r.dispatchHandler.PauseDispatch)
	dispatches.Post("/:id/resume", r.dispatchHandler.ResumeDispatch)
	dispatches.Post("/:id/cancel", r.dispatchHandler.CancelDispatch)

	// Relay callback for asynchronous per-recipient outcomes
	api.Post("/relay/results", r.dispatchHandler.RelayResults)

	if r.cfg.Metrics.Enabled {
		path := r.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.app.Get(path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	log.Println("Routes configured")
}

func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
		Generator: func() string {
			return generateRequestID()
		},
	}))

	// Security headers middleware
	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	// CORS middleware; this is an internal service consumed by the
	// upstream CRUD layer, so origins stay permissive
	r.app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
	}))

	// Compression middleware for large status payloads
	r.app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// Structured request logging
	r.app.Use(logger.New(logger.Config{
		Format:     `{"time":"${time}","request_id":"${locals:requestid}","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
		TimeFormat: time.RFC3339,
		TimeZone:   "UTC",
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/api/v1/health"
		},
	}))

	// Prometheus HTTP metrics
	if r.cfg.Metrics.Enabled {
		r.app.Use(middleware.Metrics())
	}

	// Recovery middleware
	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	log.Printf("Starting server on %s", address)
	return r.app.Listen(address)
}

// Shutdown gracefully shuts down the HTTP server
func (r *FiberRouter) Shutdown(ctx context.Context) error {
	return r.app.ShutdownWithContext(ctx)
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

// errorHandler is the global Fiber error handler
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	log.Printf("Error %d: %v", code, err)

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: "An internal server error occurred",
		Error: dto.ErrorDetail{
			Code:    "INTERNAL_ERROR",
			Details: err.Error(),
		},
	})
}

// generateRequestID creates a random request identifier
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "req-" + hex.EncodeToString([]byte(time.Now().UTC().Format("150405.000")))
	}
	return hex.EncodeToString(b)
}
