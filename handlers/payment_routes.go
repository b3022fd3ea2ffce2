package handlers

import (
	"creator-payment-system/middleware"
	"creator-payment-system/models"
	"creator-payment-system/services"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type quoteRequest struct {
	ReferenceAmount decimal.Decimal     `json:"reference_amount"`
	Asset           models.PaymentAsset `json:"asset"`
}

type envelopeRequest struct {
	Kind  models.ResourceKind  `json:"kind"`
	Quote *services.PriceQuote `json:"quote"`
}

type materializeRequest struct {
	TxHash  string                         `json:"tx_hash"`
	Payload services.CreateResourceRequest `json:"payload"`
}

type completeRequest struct {
	SignedPayload hexutil.Bytes `json:"signed_payload,omitempty"`
	TxRef         string        `json:"tx_ref,omitempty"`
}

// SetupPaymentRoutes registers public routes on app and identity-bound ones on secured,
// which must already run UserContextMiddleware
func SetupPaymentRoutes(app fiber.Router, secured fiber.Router, svc *services.PaymentService, hub *services.OutcomeHub) {
	// 🔓 Public routes, gateway auth only
	app.Post("/quotes", func(c *fiber.Ctx) error {
		var req quoteRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		quote, err := svc.Quote(req.ReferenceAmount, req.Asset)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(quote)
	})

	app.Get("/resources", func(c *fiber.Ctx) error {
		filter, err := listFilter(c)
		if err != nil {
			return badRequest(c, err.Error())
		}
		resources, err := svc.ListPublic(c.UserContext(), filter)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(resources)
	})

	// 🔐 Secured routes, identity forwarded by the gateway

	secured.Post("/envelopes", func(c *fiber.Ctx) error {
		var req envelopeRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		envelope, err := svc.BuildEnvelope(c.UserContext(), middleware.IdentityFrom(c), req.Kind, req.Quote)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(envelope)
	})

	secured.Post("/resources", func(c *fiber.Ctx) error {
		var req services.PayNowRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		resource, err := svc.PayNow(c.UserContext(), middleware.IdentityFrom(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(resource)
	})

	secured.Post("/resources/materialize", func(c *fiber.Ctx) error {
		var req materializeRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		resource, err := svc.MaterializeFromHash(c.UserContext(), middleware.IdentityFrom(c), req.TxHash, req.Payload)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(resource)
	})

	secured.Post("/resources/unpaid", func(c *fiber.Ctx) error {
		var req services.CreateResourceRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		resource, err := svc.CreateUnpaid(c.UserContext(), middleware.IdentityFrom(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(resource)
	})

	secured.Post("/resources/:id/envelope", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return badRequest(c, "Invalid resource ID")
		}
		envelope, err := svc.PrepareCompletion(c.UserContext(), middleware.IdentityFrom(c), id)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(envelope)
	})

	secured.Post("/resources/:id/complete", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return badRequest(c, "Invalid resource ID")
		}
		var req completeRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
		resource, err := svc.CompletePayment(c.UserContext(), middleware.IdentityFrom(c), id, req.SignedPayload, req.TxRef)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(resource)
	})

	secured.Delete("/resources/:id", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return badRequest(c, "Invalid resource ID")
		}
		if err := svc.Discard(c.UserContext(), middleware.IdentityFrom(c), id); err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"message": "Resource discarded"})
	})

	secured.Get("/me/resources", func(c *fiber.Ctx) error {
		filter, err := listFilter(c)
		if err != nil {
			return badRequest(c, err.Error())
		}
		resources, err := svc.ListOwned(c.UserContext(), middleware.IdentityFrom(c).UserID, filter)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(resources)
	})

	secured.Get("/outcomes/stream", hub.StreamOutcomesSSE)
}

func listFilter(c *fiber.Ctx) (services.ListFilter, error) {
	kind := models.ResourceKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		return services.ListFilter{}, fiber.NewError(fiber.StatusBadRequest, "Invalid kind parameter")
	}
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	if limit <= 0 || offset < 0 {
		return services.ListFilter{}, fiber.NewError(fiber.StatusBadRequest, "Invalid pagination parameters")
	}
	return services.ListFilter{Kind: kind, Limit: limit, Offset: offset}, nil
}
