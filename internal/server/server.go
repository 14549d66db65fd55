package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/seller_ledger/internal/config"
	"github.com/congo-pay/seller_ledger/internal/infra"
	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/notification"
	"github.com/congo-pay/seller_ledger/internal/payout"
	"github.com/congo-pay/seller_ledger/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	engine   *ledger.Engine
	gateway  payout.Gateway
	notifier *notification.AsyncNotifier
}

// New instantiates the ledger engine and its notifier, then delegates route wiring
// to routes.Setup.
func New(cfg config.Config, backend *infra.Backend, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	var sink notification.Notifier
	if cache != nil {
		sink = notification.NewRedisNotifier(cache, cfg.NotifyChannel)
	} else {
		sink = notification.NewLoggerNotifier(logger)
	}
	notifier := notification.NewAsync(sink, logger, cfg.NotifyBuffer)
	engine := ledger.NewEngine(backend.Store, notifier, logger)
	gateway := payout.NewGateway(cfg.GatewayMode)

	deps := routes.Deps{
		Cfg:         cfg,
		Engine:      engine,
		StoreDriver: backend.Driver,
		Checks:      backend.Checks,
		Cache:       cache,
		Gateway:     gateway,
		Logger:      logger,
	}
	if err := routes.Setup(app, deps); err != nil {
		_ = notifier.Close(context.Background())
		return nil, err
	}

	return &Server{app: app, cfg: cfg, engine: engine, gateway: gateway, notifier: notifier}, nil
}

// Engine exposes the ledger engine for background workers.
func (s *Server) Engine() *ledger.Engine {
	return s.engine
}

// Gateway exposes the disbursement gateway shared by the API and the sweeper.
func (s *Server) Gateway() payout.Gateway {
	return s.gateway
}

// App returns the underlying Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then flushes queued notifications.
func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Join(s.app.ShutdownWithContext(ctx), s.notifier.Close(ctx))
}
