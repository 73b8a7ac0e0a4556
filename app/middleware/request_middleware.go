package middleware

import (
	"log/slog"
	"privaterag/logger"
	"privaterag/metrics"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Observe logs every request and records it in the request metrics. Errors
// are rendered here so the logged status matches the response.
func Observe(l *slog.Logger) fiber.Handler {
	l = logger.OrDefault(l)
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if chainErr := c.Next(); chainErr != nil {
			if err := c.App().ErrorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		elapsed := time.Since(start)
		status := c.Response().StatusCode()
		route := routeLabel(c)

		metrics.RequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(c.Method(), route).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = slog.LevelError
		}
		l.Log(c.UserContext(), level, "request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", elapsed,
			"ip", c.IP(),
		)
		return nil
	}
}

// routeLabel returns the matched route pattern. Unmatched paths share one
// label, since the catch-all middleware route is all fiber reports for them.
func routeLabel(c *fiber.Ctx) string {
	r := c.Route()
	if r == nil || r.Path == "" || (r.Path == "/" && c.Path() != "/") {
		return "unmatched"
	}
	return r.Path
}
