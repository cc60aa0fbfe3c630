package utils

import (
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// FormatRetryAfter renders d as whole seconds for a Retry-After header,
// rounding up so clients never retry early.
func FormatRetryAfter(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}
