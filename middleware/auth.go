package middleware

import (
	"strings"

	"creator-payment-system/logger"
	"creator-payment-system/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Locals keys set by UserContextMiddleware
const (
	LocalUserID        = "user_id"
	LocalWalletAccount = "wallet_account"
	LocalWalletKind    = "wallet_kind"
)

// UserContextMiddleware extracts the caller identity forwarded by the gateway.
// Routes under /s/ require X-User-ID.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))
		walletAccount := strings.TrimSpace(c.Get("X-Wallet-Account"))
		walletKind := services.WalletKind(strings.ToLower(strings.TrimSpace(c.Get("X-Wallet-Kind"))))

		path := c.Path()
		if strings.HasPrefix(path, "/s/") && userID == "" {
			logger.Warn("[USER_CTX] X-User-ID missing on secured route", zap.String("path", path))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}

		switch walletKind {
		case "", services.WalletSelfCustody, services.WalletManaged:
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "X-Wallet-Kind must be self_custody or managed",
			})
		}
		if walletKind == "" && walletAccount != "" {
			walletKind = services.WalletSelfCustody
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalWalletAccount, walletAccount)
		c.Locals(LocalWalletKind, walletKind)

		logger.Debug("[USER_CTX] identity attached",
			zap.String("user_id", userID),
			zap.String("wallet_kind", string(walletKind)),
			zap.String("path", path))

		return c.Next()
	}
}

// IdentityFrom reads the identity stored by UserContextMiddleware
func IdentityFrom(c *fiber.Ctx) services.Identity {
	userID, _ := c.Locals(LocalUserID).(string)
	account, _ := c.Locals(LocalWalletAccount).(string)
	kind, _ := c.Locals(LocalWalletKind).(services.WalletKind)
	return services.Identity{UserID: userID, WalletAccount: account, WalletKind: kind}
}
