package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"mailsync/utils"
)

const claimsKey = "claims"

// Protected accepts dashboard user tokens and the short-lived continuation
// tokens a sync run issues to re-invoke itself.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			// Fall back to cookie if header not present
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}
		if claims.UserID == "" && !claims.Continuation {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Token carries no subject",
			})
		}

		c.Locals(claimsKey, claims)
		c.Locals("userID", claims.UserID)
		return c.Next()
	}
}

// ClaimsFrom returns the claims stored by Protected, or nil.
func ClaimsFrom(c *fiber.Ctx) *utils.Claims {
	claims, _ := c.Locals(claimsKey).(*utils.Claims)
	return claims
}
