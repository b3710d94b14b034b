package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/AzielCF/az-publisher/domains/queue"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			err := recover()
			if err != nil {
				res := Render(err)
				if res.Status >= http.StatusInternalServerError {
					logrus.WithField("path", ctx.Path()).Errorf("[REST] Panic recovered in middleware: %v", err)
				}
				_ = ctx.Status(res.Status).JSON(res)
			}
		}()

		return ctx.Next()
	}
}

// Render maps a recovered value to a response body.
func Render(recovered any) utils.ResponseData {
	res := utils.ResponseData{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_SERVER_ERROR",
		Message: fmt.Sprintf("%v", recovered),
	}
	err, ok := recovered.(error)
	if !ok {
		return res
	}
	if ge, ok := pkgError.AsGeneric(err); ok {
		res.Status = ge.StatusCode()
		res.Code = ge.ErrCode()
		res.Message = ge.Error()
		return res
	}
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		res.Status, res.Code = http.StatusNotFound, "NOT_FOUND_ERROR"
	case errors.Is(err, queue.ErrStateConflict), errors.Is(err, queue.ErrNotOwner):
		res.Status, res.Code = http.StatusConflict, "CONFLICT_ERROR"
	}
	return res
}
