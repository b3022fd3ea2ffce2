package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"creator-payment-system/middleware"
	"creator-payment-system/models"
	"creator-payment-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *services.SagaError
		want int
	}{
		{services.ErrNotFound, fiber.StatusNotFound},
		{services.ErrInvalidAsset, fiber.StatusBadRequest},
		{services.ErrTooFar, fiber.StatusBadRequest},
		{services.ErrNotSettled, fiber.StatusServiceUnavailable},
		{services.ErrLedger, fiber.StatusServiceUnavailable},
		{services.ErrAmountMismatch, fiber.StatusPaymentRequired},
		{services.ErrWrongParty, fiber.StatusPaymentRequired},
		{services.ErrAlreadyConsumed, fiber.StatusPaymentRequired},
		{services.ErrAlreadyFunded, fiber.StatusConflict},
		{services.ErrAlreadyClaimed, fiber.StatusConflict},
		{services.ErrSlotsExhausted, fiber.StatusGone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Code)
	}
}

func errorApp(err error) *fiber.App {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error { return respondError(c, err) })
	return app
}

func decodeBody(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestRespondErrorSagaError(t *testing.T) {
	resp, err := errorApp(services.ErrNotSettled).Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get(fiber.HeaderRetryAfter))
	body := decodeBody(t, resp.Body)
	assert.Equal(t, services.ErrCodeNotSettled, body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestRespondErrorValidation(t *testing.T) {
	verrs := services.ValidationErrors{{Field: "title", Rule: "required", Message: "is required"}}
	resp, err := errorApp(verrs).Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	details, ok := body["details"].([]interface{})
	require.True(t, ok)
	assert.Len(t, details, 1)
}

func TestRespondErrorInternal(t *testing.T) {
	resp, err := errorApp(errors.New("db gone")).Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", decodeBody(t, resp.Body)["error"])
}

func quoteApp() *fiber.App {
	rates := services.StaticRates{
		models.PlatformAsset().Key(): {
			Rate:     decimal.NewFromInt(20),
			Fees:     services.FeeSchedule{BaseFee: decimal.NewFromInt(2), PlatformFee: decimal.NewFromInt(3)},
			Decimals: 18,
		},
	}
	svc := services.NewPaymentService(nil, services.PaymentServiceDeps{Oracle: services.NewPricingOracle(rates)})
	app := fiber.New()
	secured := app.Group("/s", middleware.UserContextMiddleware())
	SetupPaymentRoutes(app, secured, svc, services.NewOutcomeHub())
	SetupBountyRoutes(app, secured, svc)
	return app
}

func TestQuoteRoute(t *testing.T) {
	req := httptest.NewRequest("POST", "/quotes", strings.NewReader(`{"reference_amount":"2","asset":{"kind":"platform"}}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := quoteApp().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var quote services.PriceQuote
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quote))
	assert.True(t, quote.ComputedAmount.Equal(decimal.NewFromInt(40)))
	assert.Len(t, quote.FeeBreakdown, 4)
}

func TestQuoteRouteUnsupportedAsset(t *testing.T) {
	req := httptest.NewRequest("POST", "/quotes", strings.NewReader(`{"reference_amount":"2","asset":{"kind":"native"}}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := quoteApp().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, services.ErrCodeInvalidAsset, decodeBody(t, resp.Body)["code"])
}

func TestSecuredRoutesRequireUser(t *testing.T) {
	app := quoteApp()
	for _, path := range []string{"/s/resources", "/s/envelopes", "/s/bounties/4b0b7c52-7e0a-4d6c-9a55-1f1d1b6f3a10/claims"} {
		resp, err := app.Test(httptest.NewRequest("POST", path, strings.NewReader(`{}`)))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestRoutesRejectMalformedIDs(t *testing.T) {
	app := quoteApp()

	resp, err := app.Test(httptest.NewRequest("GET", "/bounties/not-a-uuid/slots", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest("DELETE", "/s/resources/not-a-uuid", nil)
	req.Header.Set("X-User-ID", "user-1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/resources?kind=game", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSecuredMiddlewareRunsOncePerRequest(t *testing.T) {
	svc := services.NewPaymentService(nil, services.PaymentServiceDeps{})
	app := fiber.New()
	calls := 0
	secured := app.Group("/s", func(c *fiber.Ctx) error {
		calls++
		return c.Next()
	}, middleware.UserContextMiddleware())
	SetupPaymentRoutes(app, secured, svc, services.NewOutcomeHub())
	SetupBountyRoutes(app, secured, svc)

	for _, path := range []string{"/s/resources/not-a-uuid", "/s/bounties/not-a-uuid/claims"} {
		calls = 0
		method := "DELETE"
		if strings.Contains(path, "claims") {
			method = "POST"
		}
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-User-ID", "user-1")
		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, path)
		assert.Equal(t, 1, calls, path)
	}

	calls = 0
	resp, err := app.Test(httptest.NewRequest("GET", "/bounties/not-a-uuid/slots", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, calls)
}
