package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AzielCF/az-publisher/domains/queue"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery_RendersErrors(t *testing.T) {
	cases := []struct {
		name   string
		value  any
		status int
		code   string
	}{
		{"validation", pkgError.ValidationError("platforms: cannot be blank"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"wrapped unavailable", fmt.Errorf("enqueue: %w", pkgError.Unavailable("queue store", errors.New("dial"))), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"job not found", fmt.Errorf("get: %w", queue.ErrJobNotFound), http.StatusNotFound, "NOT_FOUND_ERROR"},
		{"state conflict", queue.ErrStateConflict, http.StatusConflict, "CONFLICT_ERROR"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"},
		{"string", "kaput", http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(Recovery())
			app.Get("/", func(c *fiber.Ctx) error { panic(tc.value) })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)

			var body utils.ResponseData
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, tc.status, body.Status)
		})
	}
}
