package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/handler"
	"github.com/coverlab/api/internal/middleware"
	"github.com/coverlab/api/pkg/response"
)

// Pinger is a dependency the health check probes
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Routes carries everything the HTTP surface is built from
type Routes struct {
	Covers   *handler.CoverHandler
	Uploads  *handler.UploadHandler
	Webhooks *handler.WebhookHandler
	Stream   *handler.StreamHandler
	Auth     *handler.AuthHandler

	// APIAuth guards /api. It is either bearer token auth or gateway header auth.
	APIAuth fiber.Handler
	Limiter *middleware.RateLimiter
	Limits  config.RateLimitConfig

	DB         *gorm.DB
	Processing Pinger
	// Services is reported as-is under "services" in /health.
	Services map[string]bool

	AccessLog bool
	Debug     bool
}

// New builds the fiber app with every route mounted
func New(r Routes) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	app.Use(recover.New())
	if r.AccessLog {
		format := "[${time}] ${status} - ${latency} ${method} ${path}\n"
		if r.Debug {
			format = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
		}
		app.Use(fiberlogger.New(fiberlogger.Config{Format: format}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", r.health)

	if r.Auth != nil {
		app.Get("/auth/verify", r.Auth.Verify)
	}

	// Provider callbacks authenticate with the shared webhook secret, not a user token.
	app.Post("/webhooks/replicate", r.Webhooks.Replicate)

	api := app.Group("/api", r.APIAuth)

	api.Get("/characters", r.Covers.Characters)

	covers := api.Group("/covers")
	covers.Post("/", r.Limiter.CoverLimit(r.Limits.CoversPerHour), r.Covers.Create)
	covers.Get("/", r.Covers.List)
	covers.Get("/:id", r.Covers.Get)
	covers.Get("/:id/progress", r.Covers.Progress)
	covers.Post("/:id/cancel", r.Covers.Cancel)

	api.Get("/artifacts/:id", r.Covers.Artifact)

	uploads := api.Group("/uploads", r.Limiter.UploadLimit(r.Limits.UploadsPerHour))
	uploads.Post("/audio", r.Uploads.Audio)
	uploads.Delete("/audio/:name", r.Uploads.DeleteAudio)

	app.Get("/ws/covers/:id", r.Stream.Upgrade, r.Stream.Stream())

	return app
}

func (r Routes) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	status := "ok"
	checks := fiber.Map{}

	if r.DB != nil {
		checks["database"] = "ok"
		sqlDB, err := r.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			checks["database"] = err.Error()
			status = "degraded"
		}
	}
	if r.Processing != nil {
		checks["processing"] = "ok"
		if err := r.Processing.HealthCheck(ctx); err != nil {
			checks["processing"] = err.Error()
			status = "degraded"
		}
	}

	services := r.Services
	if services == nil {
		services = map[string]bool{}
	}

	return c.JSON(fiber.Map{
		"status":   status,
		"checks":   checks,
		"services": services,
	})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest, fiber.StatusUpgradeRequired:
		errCode = response.CodeValidationError
	}

	return response.Error(c, code, errCode, message, nil)
}
