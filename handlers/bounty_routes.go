package handlers

import (
	"creator-payment-system/middleware"
	"creator-payment-system/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type claimRequest struct {
	Location *services.Coordinate `json:"location" validate:"omitempty"`
}

func SetupBountyRoutes(app fiber.Router, secured fiber.Router, svc *services.PaymentService) {
	validate := validator.New()

	app.Get("/bounties/:id/slots", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return badRequest(c, "Invalid bounty ID")
		}
		summary, err := svc.RemainingSlots(c.UserContext(), id)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(summary)
	})

	secured.Post("/bounties/:id/claims", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return badRequest(c, "Invalid bounty ID")
		}

		var req claimRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "Invalid request body")
			}
		}
		if err := validate.Struct(req); err != nil {
			return badRequest(c, "Invalid location: "+err.Error())
		}

		result, err := svc.ClaimBounty(c.UserContext(), middleware.IdentityFrom(c), id, req.Location)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(result)
	})
}
