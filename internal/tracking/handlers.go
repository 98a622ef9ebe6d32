package tracking

import (
	"errors"
	"time"

	"backend-activpal/internal/location"

	"github.com/gofiber/fiber/v2"
)

type FixBatch struct {
	Fixes []location.Fix `json:"fixes"`
}

type CapabilityRequest struct {
	Granted *bool `json:"granted"`
}

func RegisterRoutes(r fiber.Router, mgr *Manager, authMiddleware fiber.Handler) {
	r.Post("/commands/:action", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := userFrom(c)
		if err != nil {
			return err
		}
		cmd, err := ParseCommand(c.Params("action"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		snap, err := mgr.Do(c.UserContext(), userID, cmd)
		if err != nil {
			return engineError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(snap)
	})

	r.Get("/snapshot", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := userFrom(c)
		if err != nil {
			return err
		}
		snap, err := mgr.Do(c.UserContext(), userID, CmdRequestSnapshot)
		if err != nil {
			return engineError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/fixes", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := userFrom(c)
		if err != nil {
			return err
		}
		var req FixBatch
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Fixes) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "fixes required")
		}
		now := time.Now()
		for i := range req.Fixes {
			if !req.Fixes[i].Valid() {
				return fiber.NewError(fiber.StatusBadRequest, "fix coordinates out of range")
			}
			if req.Fixes[i].Time.IsZero() {
				req.Fixes[i].Time = now
			}
		}
		delivered, err := mgr.PushFixes(userID, req.Fixes)
		if errors.Is(err, ErrPushDisabled) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"received": len(req.Fixes), "delivered": delivered})
	})

	r.Post("/capability", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := userFrom(c)
		if err != nil {
			return err
		}
		var req CapabilityRequest
		if err := c.BodyParser(&req); err != nil || req.Granted == nil {
			return fiber.NewError(fiber.StatusBadRequest, "granted required")
		}
		if err := mgr.SetGranted(userID, *req.Granted); err != nil {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func userFrom(c *fiber.Ctx) (string, error) {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "missing user")
	}
	return userID, nil
}

func engineError(err error) error {
	if errors.Is(err, ErrEngineClosed) {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
