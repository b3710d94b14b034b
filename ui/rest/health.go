package rest

import (
	"github.com/AzielCF/az-publisher/domains/health"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Health struct {
	Service health.IHealthUsecase
}

func InitRestHealth(app fiber.Router, service health.IHealthUsecase) Health {
	handler := Health{Service: service}

	group := app.Group("/platforms")
	group.Get("/health", handler.CheckAll)
	group.Get("/:platform/health", handler.CheckPlatform)

	return handler
}

func (h *Health) CheckAll(c *fiber.Ctx) error {
	records, err := h.Service.CheckAll(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Platform health checked",
		Results: records,
	})
}

func (h *Health) CheckPlatform(c *fiber.Ctx) error {
	record, err := h.Service.CheckPlatform(c.UserContext(), c.Params("platform"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Platform health checked",
		Results: record,
	})
}
