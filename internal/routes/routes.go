package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/seller_ledger/internal/config"
	"github.com/congo-pay/seller_ledger/internal/infra"
	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/middleware"
	"github.com/congo-pay/seller_ledger/internal/payout"
	"github.com/congo-pay/seller_ledger/internal/settlement"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg         config.Config
	Engine      *ledger.Engine
	StoreDriver string
	Checks      map[string]infra.Check
	Cache       *redis.Client
	Gateway     payout.Gateway
	Logger      *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Engine == nil {
		return fmt.Errorf("ledger engine is required")
	}
	if d.Cfg.IsProduction() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health and metrics
	RegisterHealthRoutes(app, d)

	// Services and handlers
	gateway := d.Gateway
	if gateway == nil {
		gateway = payout.NewGateway(d.Cfg.GatewayMode)
	}
	payoutSvc, err := payout.NewService(d.Engine, gateway, d.Logger)
	if err != nil {
		return err
	}
	var guard settlement.Guard
	if d.Cache != nil {
		guard = settlement.NewRedisGuard(d.Cache, d.Cfg.OrderGuardTTL)
	} else {
		d.Logger.Warn("redis not configured; order de-duplication is per process")
		guard = settlement.NewMemoryGuard()
	}
	settlementSvc := settlement.NewService(d.Engine, guard, d.Logger)

	ledgerHandler := ledger.NewHandler(d.Engine)
	payoutHandler := payout.NewHandler(payoutSvc)
	settlementHandler := settlement.NewHandler(settlementSvc)

	// API routes
	api := app.Group("/api/v1")
	if d.Cache != nil {
		api.Use(middleware.Idempotency(d.Cache, middleware.IdempotencyConfig{TTL: d.Cfg.IdempotencyTTL}, d.Logger))
	}
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterSettlementRoutes(api, settlementHandler)
	RegisterPayoutRoutes(api, payoutHandler, middleware.WithdrawalRateLimit(d.Cache, d.Cfg.WithdrawalRateLimit, d.Logger))
	RegisterLedgerRoutes(api, ledgerHandler)

	return nil
}
