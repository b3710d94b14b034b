package rest

import (
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type RateLimit struct {
	Reader RateLimitReader
}

func InitRestRateLimit(app fiber.Router, reader RateLimitReader) RateLimit {
	handler := RateLimit{Reader: reader}
	app.Get("/rate-limits/status", handler.Status)
	return handler
}

func (h *RateLimit) Status(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rate limit status",
		Results: h.Reader.Status(),
	})
}
