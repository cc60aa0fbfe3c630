package routes

import (
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "mailsync/controllers"
	"mailsync/config"
	"mailsync/middleware"
)

func SetupSyncRoutes(app *fiber.App, sc *controller.SyncController, redisClient *redis.Client) {
	// Sync routes group with logging middleware
	sync := app.Group("/sync", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Live progress stream; the token may come as a cookie on the upgrade request
	sync.Use("/progress", middleware.Protected(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	sync.Get("/progress", websocket.New(sc.ProgressWS))

	protected := sync.Group("", middleware.Protected())
	protected.Post("/start", middleware.SyncStartLimiter(config.AppConfig.RateLimitStart, redisClient), sc.StartSync)
	protected.Get("/status", sc.GetSyncStatus)
	protected.Post("/stop", sc.StopSync)
	protected.Get("/guard", sc.GuardStatus)

	logrus.Info("Sync routes initialized successfully")
}

func SetupRoutes(app *fiber.App, sc *controller.SyncController, redisClient *redis.Client) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupSyncRoutes(app, sc, redisClient)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
