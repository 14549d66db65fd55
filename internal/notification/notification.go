package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	KindSaleCredited         = "sale_credited"
	KindFeeCharged           = "fee_charged"
	KindBalanceAdjusted      = "balance_adjusted"
	KindWithdrawalRequested  = "withdrawal_requested"
	KindWithdrawalProcessing = "withdrawal_processing"
	KindWithdrawalCompleted  = "withdrawal_completed"
	KindWithdrawalCancelled  = "withdrawal_cancelled"
	KindWithdrawalFailed     = "withdrawal_failed"
)

// Message is a balance notice for a seller.
type Message struct {
	Kind         string    `json:"kind"`
	SellerID     string    `json:"seller_id"`
	Balance      int64     `json:"balance"`
	Reason       string    `json:"reason"`
	WithdrawalID string    `json:"withdrawal_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. Used in development and when no
// Redis is configured.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("seller_id", message.SellerID),
		slog.Int64("balance", message.Balance),
		slog.String("reason", message.Reason),
	)
	return nil
}
