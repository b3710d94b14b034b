package rest

import (
	domainRecovery "github.com/AzielCF/az-publisher/domains/recovery"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/AzielCF/az-publisher/validations"
	"github.com/gofiber/fiber/v2"
)

type Recovery struct {
	Service domainRecovery.IRecoveryUsecase
}

func InitRestRecovery(app fiber.Router, service domainRecovery.IRecoveryUsecase) Recovery {
	handler := Recovery{Service: service}

	group := app.Group("/recovery")
	group.Get("/status", handler.Status)
	group.Get("/incidents", handler.Incidents)
	group.Post("/trigger", handler.Trigger)

	return handler
}

func (h *Recovery) Status(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Recovery status",
		Results: h.Service.Status(c.UserContext()),
	})
}

// Incidents lists incidents, optionally filtered by ?platform=&status=&limit=.
func (h *Recovery) Incidents(c *fiber.Ctx) error {
	filter := domainRecovery.IncidentFilter{
		Platform: c.Query("platform"),
		Status:   domainRecovery.IncidentStatus(c.Query("status")),
		Limit:    c.QueryInt("limit", 100),
	}
	incidents, err := h.Service.Incidents(c.UserContext(), filter)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Incidents",
		Results: incidents,
	})
}

func (h *Recovery) Trigger(c *fiber.Ctx) error {
	var request domainRecovery.TriggerRequest
	if err := c.BodyParser(&request); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid request body: " + err.Error()))
	}
	utils.PanicIfNeeded(validations.ValidateTrigger(c.UserContext(), request))

	result, err := h.Service.Trigger(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Recovery action executed",
		Results: result,
	})
}
