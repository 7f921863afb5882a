package rest

import (
	"github.com/AzielCF/az-inbox/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InitRestMetrics exposes the prometheus registry.
func InitRestMetrics(app fiber.Router, handlers ...fiber.Handler) {
	handlers = append(handlers, adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/metrics", handlers...)
}

// InitRestSettings exposes the effective configuration, secrets excluded.
func InitRestSettings(app fiber.Router, settings map[string]any) {
	app.Get("/settings", func(c *fiber.Ctx) error {
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SUCCESS",
			Message: "Settings retrieved",
			Results: settings,
		})
	})
}
