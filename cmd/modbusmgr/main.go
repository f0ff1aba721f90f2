package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/edgeflow/modbusmgr/internal/config"
	"github.com/edgeflow/modbusmgr/internal/connpool"
	"github.com/edgeflow/modbusmgr/internal/health"
	"github.com/edgeflow/modbusmgr/internal/logger"
	"github.com/edgeflow/modbusmgr/internal/metrics"
	"github.com/edgeflow/modbusmgr/pkg/manager"
)

var Version = "0.1.0"

func main() {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Printf("║       modbusmgr v%-19s ║\n", Version)
	fmt.Println("║   Modbus transport & polling manager   ║")
	fmt.Println("╚═══════════════════════════════════════╝")

	cfg, loader, err := config.Load(getEnv("MODBUSMGR_CONFIG", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		LogDir:     cfg.Logger.LogDir,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()

	met := metrics.New()

	mgr := manager.New(log)
	if err := mgr.Activate(manager.Config{
		Dialer:         connpool.NewDialer(),
		Trace:          logger.HexTrace(log),
		Metrics:        met,
		RequestTimeout: 2 * time.Second,
	}); err != nil {
		log.Fatal("modbusmgr: activate", zap.Error(err))
	}

	for _, ec := range cfg.Endpoints {
		mgr.SetEndpointPoolConfiguration(ec.Key(), ec.PoolConfig())
		log.Info("modbusmgr: seeded endpoint", zap.String("endpoint", ec.Key().String()))
	}

	loader.WatchReload(func(next *config.Config) {
		for _, ec := range next.Endpoints {
			mgr.SetEndpointPoolConfiguration(ec.Key(), ec.PoolConfig())
			log.Info("modbusmgr: reloaded endpoint pool configuration", zap.String("endpoint", ec.Key().String()))
		}
	})

	healthChecker := buildHealthChecker(mgr)
	healthCtx, stopHealth := context.WithCancel(context.Background())
	healthChecker.StartPeriodicChecks(healthCtx)

	app := newHTTPServer(met, healthChecker, mgr)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Info("modbusmgr: http server starting", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			log.Error("modbusmgr: http server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("modbusmgr: shutting down")
	stopHealth()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = app.ShutdownWithContext(shutdownCtx)
	cancelShutdown()
	mgr.Close()
}

func newHTTPServer(met *metrics.Metrics, hc *health.HealthChecker, mgr *manager.Manager) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "modbusmgr v" + Version})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
	}))
	app.Use(metrics.Middleware(met))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"service": "modbusmgr", "version": Version, "status": "running"})
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		results := hc.GetCheckResults()
		status := results["status"].(health.Status)
		if status == health.StatusUnhealthy {
			c.Status(fiber.StatusServiceUnavailable)
		}
		return c.JSON(results)
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		met.UpdateSystemMetrics()
		open, _ := mgr.PoolStats()
		met.SetActiveConnections(int64(open))
		met.SetRegisteredPolls(len(mgr.RegisteredPolls()))
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(met.PrometheusFormat())
	})

	app.Get("/api/v1/metrics", func(c *fiber.Ctx) error {
		met.UpdateSystemMetrics()
		open, _ := mgr.PoolStats()
		met.SetActiveConnections(int64(open))
		met.SetRegisteredPolls(len(mgr.RegisteredPolls()))
		return c.JSON(met.Snapshot())
	})

	return app
}

// buildHealthChecker wires the goroutine count and pool-utilization checks
// against the live Manager; individual endpoint reachability checks are
// registered by callers once they know which endpoints they care about.
func buildHealthChecker(mgr *manager.Manager) *health.HealthChecker {
	hc := health.NewHealthChecker()
	hc.RegisterCheck("pool-utilization", health.PoolUtilizationHealthCheck(mgr.PoolStats, 0.9), 30*time.Second)
	hc.RegisterCheck("goroutines", health.GoroutineHealthCheck(runtime.NumGoroutine, 5000), 30*time.Second)
	return hc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
