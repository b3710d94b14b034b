package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AzielCF/az-publisher/core/config"
	"github.com/AzielCF/az-publisher/ui/rest"
	"github.com/AzielCF/az-publisher/ui/rest/middleware"
	"github.com/AzielCF/az-publisher/ui/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const requestBodyLimit = 1 << 20

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Serve the orchestration API over http",
	Long:  `Starts the HTTP API together with the scheduler, recovery loop and monitors. Delegation workers run in-process unless --workers=false.`,
	Run:   restServer,
}

func init() {
	restCmd.Flags().Bool("workers", true, "run delegation workers in this process")
	rootCmd.AddCommand(restCmd)
}

func restServer(cmd *cobra.Command, _ []string) {
	cfg := config.Global
	withWorkers, _ := cmd.Flags().GetBool("workers")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		logrus.Fatalf("[APP] %v", err)
	}
	group := eng.start(ctx, withWorkers)

	app := newRestApp(cfg, eng, withWorkers)

	go func() {
		<-ctx.Done()
		logrus.Info("[REST] Reception of termination signal, shutting down gracefully...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.Errorf("[REST] Error during Fiber shutdown: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Errorf("[REST] Failed to start: %v", err)
		stop()
	}

	_ = group.Wait()
	eng.close()
}

func newRestApp(cfg *config.Config, eng *engine, withWorkers bool) *fiber.App {
	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		BodyLimit:               requestBodyLimit,
		Network:                 "tcp",
		AppName:                 "Az-Publisher Orchestration Engine",
		ServerHeader:            "Hidden",
	}
	if len(cfg.App.TrustedProxies) > 0 {
		fiberConfig.TrustedProxies = cfg.App.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedHost
	}

	app := fiber.New(fiberConfig)

	app.Use(requestid.New())

	origins := strings.Join(cfg.App.CorsAllowedOrigins, ", ")
	if !strings.Contains(origins, cfg.App.BaseUrl) {
		origins += ", " + cfg.App.BaseUrl
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())

	app.Use(helmet.New(helmet.Config{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		HSTSMaxAge:            31536000,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; connect-src 'self' ws: wss:;",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	if cfg.App.Debug {
		app.Use(logger.New())
	}

	app.Get(cfg.App.BasePath+"/healthz", func(c *fiber.Ctx) error {
		if eng.vk != nil {
			if err := eng.vk.Ping(c.UserContext()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).SendString("valkey unreachable")
			}
		}
		return c.SendString("ok")
	})
	app.Get(cfg.App.BasePath+"/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	apiGroup := app.Group(cfg.App.BasePath + "/api")
	if len(cfg.App.BasicAuth) > 0 {
		apiGroup.Use(basicauth.New(basicauth.Config{
			Users: basicAuthUsers(cfg.App.BasicAuth),
			Next: func(c *fiber.Ctx) bool {
				// CORS preflight carries no credentials
				return c.Method() == fiber.MethodOptions
			},
		}))
	} else {
		logrus.Warn("[REST] APP_BASIC_AUTH is not set, the API is unauthenticated")
	}

	rest.InitRestPublication(apiGroup, eng.publications)
	rest.InitRestHealth(apiGroup, eng.health)
	rest.InitRestRecovery(apiGroup, eng.recovery)
	rest.InitRestRateLimit(apiGroup, eng.rates)

	monitoring := rest.MonitoringSources{
		Queue:       eng.queue,
		Events:      eng.events,
		Performance: eng.perf,
		Sessions:    eng.sessions,
		Window:      cfg.Performance.Window,
	}
	if withWorkers {
		monitoring.Workers = eng.worker
	}
	rest.InitRestMonitoring(apiGroup, monitoring)

	websocket.RegisterRoutes(apiGroup, eng.events)

	apiGroup.All("/*", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "API Endpoint not found",
			"path":  c.Path(),
		})
	})

	return app
}

func basicAuthUsers(credentials []string) map[string]string {
	account := make(map[string]string, len(credentials))
	for _, basicAuth := range credentials {
		ba := strings.SplitN(basicAuth, ":", 2)
		if len(ba) != 2 {
			logrus.Fatalln("Basic auth is not valid, please this following format <user>:<secret>")
		}
		account[ba[0]] = ba[1]
	}
	return account
}
