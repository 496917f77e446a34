package main

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/debrid/alldebrid"
	"github.com/streamrake/streamrake/pkg/debrid/premiumize"
	"github.com/streamrake/streamrake/pkg/debrid/realdebrid"
)

// createTimerMiddleware attaches a request ID and logs method, path, status
// and duration of every request.
func createTimerMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := uuid.NewString()
		c.Locals("requestID", requestID)
		start := time.Now()
		err := c.Next()
		logger.Info("Handled request",
			zap.String("requestID", requestID),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", time.Since(start)))
		return err
	}
}

// createCorsMiddleware allows any origin. Streaming clients run on other
// origins and don't show stream responses without CORS headers.
func createCorsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Origin")
		c.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

// createAuthMiddleware checks the validity of the user data and the contained
// debrid credentials.
func createAuthMiddleware(rdClient *realdebrid.Client, adClient *alldebrid.Client, pmClient *premiumize.Client, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		udString := c.Params("userData", "")
		if udString == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		ud, err := decodeUserData(udString, logger)
		if err != nil {
			// It's most likely a client-side encoding error
			return c.SendStatus(fiber.StatusBadRequest)
		}
		if !ud.hasProvider() {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		rCtx := c.Context()
		if ud.RDtoken != "" {
			if err := rdClient.TestToken(rCtx, ud.RDtoken); err != nil {
				return c.SendStatus(fiber.StatusForbidden)
			}
		} else if ud.ADkey != "" {
			if err := adClient.TestAPIkey(rCtx, ud.ADkey); err != nil {
				return c.SendStatus(fiber.StatusForbidden)
			}
		} else if ud.PMkey != "" {
			if err := pmClient.TestAPIkey(rCtx, ud.PMkey); err != nil {
				return c.SendStatus(fiber.StatusForbidden)
			}
		}

		return c.Next()
	}
}
