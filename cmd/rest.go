package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AzielCF/az-inbox/ui/rest"
	"github.com/AzielCF/az-inbox/ui/rest/middleware"
	"github.com/AzielCF/az-inbox/ui/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// bootstrapFailed reports whether startup ended in a real failure. A
// shutdown signal during the startup delay is a normal exit.
func bootstrapFailed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Run the session orchestrator with its HTTP ops surface",
	Run:   restServer,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func basicAuthAccounts() map[string]string {
	if len(appConfig.App.BasicAuth) == 0 {
		logrus.Fatalln("APP_BASIC_AUTH is required. Nothing should be public; please set APP_BASIC_AUTH=<user>:<secret>[,<user2>:<secret2>] and restart.")
	}
	account := make(map[string]string)
	for _, basicAuth := range appConfig.App.BasicAuth {
		ba := strings.Split(basicAuth, ":")
		if len(ba) != 2 {
			logrus.Fatalln("Basic auth is not valid, please this following format <user>:<secret>")
		}
		account[ba[0]] = ba[1]
	}
	return account
}

func restServer(_ *cobra.Command, _ []string) {
	account := basicAuthAccounts()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := initApp(ctx); err != nil {
		logrus.Fatalf("[APP] Initialization failed: %v", err)
	}

	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		Network:                 "tcp",
		AppName:                 "AzInbox " + appConfig.App.Version,
		ServerHeader:            "Hidden",
	}
	if len(appConfig.App.TrustedProxies) > 0 {
		fiberConfig.TrustedProxies = appConfig.App.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedHost
	}

	app := fiber.New(fiberConfig)

	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(appConfig.App.CorsAllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))
	if appConfig.App.Debug {
		app.Use(logger.New())
	}

	auth := basicauth.New(basicauth.Config{
		Users: account,
		Next: func(c *fiber.Ctx) bool {
			// Allow CORS preflight without credentials.
			return c.Method() == fiber.MethodOptions
		},
	})

	rest.InitRestMetrics(app.Group(appConfig.App.BasePath), auth)

	apiGroup := app.Group(appConfig.App.BasePath + "/api")
	apiGroup.Use(auth)

	rest.InitRestSession(apiGroup, supervisor, tenantRepo)
	rest.InitRestQueue(apiGroup, scheduleQueue, campaignQueue)
	rest.InitRestSettings(apiGroup, appConfig.Settings())
	websocket.RegisterRoutes(apiGroup, hub)

	apiGroup.All("/*", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "API Endpoint not found",
			"path":  c.Path(),
		})
	})

	go func() {
		if err := bootstrap.Run(ctx); bootstrapFailed(err) {
			logrus.Fatalf("[BOOTSTRAP] %v", err)
		}
	}()

	// Graceful shutdown handler
	stopped := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(stopped)
		<-sigChan
		logrus.Info("[REST] Reception of termination signal, shutting down gracefully...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logrus.Errorf("[REST] Error during Fiber shutdown: %v", err)
		}
		StopApp(shutdownCtx)
	}()

	if err := app.Listen(":" + appConfig.App.Port); err != nil {
		logrus.Fatalln("Failed to start: ", err.Error())
	}
	<-stopped
}
