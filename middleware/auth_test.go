package middleware

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"creator-payment-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityApp() *fiber.App {
	app := fiber.New()
	app.Use(UserContextMiddleware())
	echo := func(c *fiber.Ctx) error {
		id := IdentityFrom(c)
		return c.JSON(fiber.Map{"user_id": id.UserID, "account": id.WalletAccount, "kind": id.WalletKind})
	}
	app.Get("/s/me", echo)
	app.Get("/public", echo)
	return app
}

func TestUserContextMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		headers    map[string]string
		wantStatus int
		wantKind   string
	}{
		{"secured without user", "/s/me", nil, fiber.StatusUnauthorized, ""},
		{"public without user", "/public", nil, fiber.StatusOK, ""},
		{"account defaults to self custody", "/s/me", map[string]string{"X-User-ID": "u1", "X-Wallet-Account": "0xabc"}, fiber.StatusOK, "self_custody"},
		{"managed wallet", "/s/me", map[string]string{"X-User-ID": "u1", "X-Wallet-Account": "0xabc", "X-Wallet-Kind": "Managed"}, fiber.StatusOK, "managed"},
		{"unknown wallet kind", "/s/me", map[string]string{"X-User-ID": "u1", "X-Wallet-Kind": "custodial"}, fiber.StatusBadRequest, ""},
	}

	app := identityApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != fiber.StatusOK {
				return
			}
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantKind, body["kind"])
		})
	}
}

func TestIdentityFromWithoutMiddleware(t *testing.T) {
	app := fiber.New()
	var got services.Identity
	app.Get("/", func(c *fiber.Ctx) error {
		got = IdentityFrom(c)
		return nil
	})
	_, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, services.Identity{}, got)
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("secret"))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	tests := []struct {
		header string
		want   int
	}{
		{"", fiber.StatusUnauthorized},
		{"Bearer wrong", fiber.StatusUnauthorized},
		{"Bearer secret", fiber.StatusNoContent},
		{"secret", fiber.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.header)
	}
}
