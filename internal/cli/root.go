// Package cli implements ledgerctl, the operator tool for inspecting and repairing
// seller ledgers directly against the store.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/congo-pay/seller_ledger/internal/config"
	"github.com/congo-pay/seller_ledger/internal/infra"
	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/logging"
	"github.com/congo-pay/seller_ledger/internal/notification"
)

var (
	flagDriver      string
	flagDatabaseURL string
	flagSQLitePath  string
	flagLogLevel    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "Store driver: postgres or sqlite (default from STORE_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&flagDatabaseURL, "database-url", "", "Postgres URL (default from DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagSQLitePath, "sqlite-path", "", "SQLite file (default from SQLITE_PATH)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level")
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and maintain seller ledgers",
	Long: `ledgerctl talks to the ledger store directly. Use it to read balances and
entries, verify that an account matches its entry log, apply manual
adjustments, and cancel withdrawals stuck past their payout deadline.`,
	SilenceUsage: true,
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// session is an opened store plus an engine bound to it.
type session struct {
	engine  *ledger.Engine
	backend *infra.Backend
	cfg     config.Config
	logger  *slog.Logger
}

func (s *session) Close() {
	s.backend.Close()
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagDriver != "" {
		cfg.StoreDriver = flagDriver
	}
	if flagDatabaseURL != "" {
		cfg.DatabaseURL = flagDatabaseURL
	}
	if flagSQLitePath != "" {
		cfg.SQLitePath = flagSQLitePath
	}
	if cfg.StoreDriver == config.DriverMemory {
		return nil, fmt.Errorf("ledgerctl needs a persistent store; pass --driver postgres or --driver sqlite")
	}

	logger := logging.NewWithWriter(cmd.ErrOrStderr(), flagLogLevel)
	backend, err := infra.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := ledger.NewEngine(backend.Store, notification.NewLoggerNotifier(logger), logger)
	return &session{engine: engine, backend: backend, cfg: cfg, logger: logger}, nil
}
