package rest

import (
	domainPublication "github.com/AzielCF/az-publisher/domains/publication"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Publication struct {
	Service domainPublication.IPublicationUsecase
}

func InitRestPublication(app fiber.Router, service domainPublication.IPublicationUsecase) Publication {
	rest := Publication{Service: service}
	app.Post("/publish", rest.Publish)
	app.Get("/publications", rest.List)
	app.Get("/publication/:id", rest.Status)
	app.Post("/publication/:id/retry", rest.RetryFailed)
	app.Post("/publication/:id/cancel", rest.Cancel)
	app.Post("/publication/:id/reschedule", rest.Reschedule)

	return rest
}

func (handler *Publication) Publish(c *fiber.Ctx) error {
	var request domainPublication.Request
	if err := c.BodyParser(&request); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid request body: " + err.Error()))
	}

	response, err := handler.Service.Publish(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.Status(fiber.StatusAccepted).JSON(utils.ResponseData{
		Status:  fiber.StatusAccepted,
		Code:    "ACCEPTED",
		Message: "Publication accepted",
		Results: response,
	})
}

func (handler *Publication) Status(c *fiber.Ctx) error {
	response, err := handler.Service.Status(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Publication status",
		Results: response,
	})
}

func (handler *Publication) List(c *fiber.Ctx) error {
	response, err := handler.Service.List(c.UserContext(), c.QueryInt("limit", 0), c.QueryInt("offset", 0))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Publications",
		Results: response,
	})
}

func (handler *Publication) RetryFailed(c *fiber.Ctx) error {
	response, err := handler.Service.RetryFailed(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Failed jobs re-queued",
		Results: response,
	})
}

func (handler *Publication) Cancel(c *fiber.Ctx) error {
	response, err := handler.Service.Cancel(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Publication cancelled",
		Results: response,
	})
}

func (handler *Publication) Reschedule(c *fiber.Ctx) error {
	var request domainPublication.RescheduleRequest
	if err := c.BodyParser(&request); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid request body: " + err.Error()))
	}

	response, err := handler.Service.Reschedule(c.UserContext(), c.Params("id"), request.ScheduleAt)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Publication rescheduled",
		Results: response,
	})
}
