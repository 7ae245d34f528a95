package api

import (
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

// ServerConfig configures the Fiber app.
type ServerConfig struct {
	BodyLimit      int64
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewFiber builds the app with the shared middleware chain. The body limit
// leaves room for base64 inflation of a MaxFileSize document.
func NewFiber(cfg ServerConfig) *fiber.App {
	bodyLimit := int(cfg.BodyLimit*4/3) + 64*1024
	if cfg.BodyLimit <= 0 {
		bodyLimit = 70 * 1024 * 1024
	}

	app := fiber.New(fiber.Config{
		AppName:               "BOL Extraction Worker",
		BodyLimit:             bodyLimit,
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
	})

	rps, burst := cfg.RateLimitRPS, cfg.RateLimitBurst
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}

	app.Use(newRequestIDMiddleware())
	app.Use(newLoggingMiddleware())
	app.Use(newRateLimiter(rate.Limit(rps), burst).Handle)

	return app
}
