package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/logging"
)

var (
	// ErrDuplicateOrder indicates the order was already credited to the seller.
	ErrDuplicateOrder = errors.New("order already settled")

	// ErrMissingOrderRef is returned when the completion event carries no order id.
	ErrMissingOrderRef = errors.New("order reference is required")
)

// Service turns completed orders into seller credits, at most once per order.
type Service struct {
	engine *ledger.Engine
	guard  Guard
	logger *slog.Logger
}

// NewService constructs a settlement service. A nil guard falls back to memory.
func NewService(engine *ledger.Engine, guard Guard, logger *slog.Logger) *Service {
	if guard == nil {
		guard = NewMemoryGuard()
	}
	return &Service{engine: engine, guard: guard, logger: logging.Component(logger, "settlement")}
}

// SettleInput captures a completed order's payout to the seller. Fee is the platform
// commission deducted right after the credit; zero means none. Metadata is stored
// on the sale entry.
type SettleInput struct {
	SellerID    string
	OrderRef    string
	Amount      int64
	Fee         int64
	Description string
	Metadata    map[string]string
}

// SettleResult is the seller's account after the order was settled.
type SettleResult struct {
	Account    ledger.Snapshot
	FeeCharged int64
}

// SettleOrder credits the seller for the order and charges the fee. A credit that
// fails releases the order so the event can be retried. A fee that fails after the
// credit is returned as an error with the credited snapshot.
func (s *Service) SettleOrder(ctx context.Context, input SettleInput) (SettleResult, error) {
	if input.OrderRef == "" {
		return SettleResult{}, ErrMissingOrderRef
	}
	if input.Amount <= 0 {
		return SettleResult{}, fmt.Errorf("order %s amount %d: %w", input.OrderRef, input.Amount, ledger.ErrInvalidAmount)
	}
	if input.Fee < 0 || input.Fee > input.Amount {
		return SettleResult{}, fmt.Errorf("order %s fee %d: %w", input.OrderRef, input.Fee, ledger.ErrInvalidAmount)
	}

	first, err := s.guard.Acquire(ctx, input.SellerID, input.OrderRef)
	if err != nil {
		return SettleResult{}, err
	}
	if !first {
		return SettleResult{}, fmt.Errorf("order %s: %w", input.OrderRef, ErrDuplicateOrder)
	}

	snap, err := s.engine.Credit(ctx, input.SellerID, input.Amount, input.OrderRef, input.Description, input.Metadata)
	if err != nil {
		if rerr := s.guard.Release(context.WithoutCancel(ctx), input.SellerID, input.OrderRef); rerr != nil {
			s.logger.Error("release order guard",
				slog.String("order_ref", input.OrderRef),
				slog.Any("error", rerr),
			)
		}
		return SettleResult{}, err
	}

	result := SettleResult{Account: snap}
	if input.Fee == 0 {
		return result, nil
	}
	snap, err = s.engine.ChargeFee(ctx, input.SellerID, input.Fee, input.OrderRef, "")
	if err != nil {
		s.logger.Error("order credited but fee not charged",
			slog.String("seller_id", input.SellerID),
			slog.String("order_ref", input.OrderRef),
			slog.Int64("fee", input.Fee),
			slog.Any("error", err),
		)
		return result, fmt.Errorf("charge fee for order %s: %w", input.OrderRef, err)
	}
	result.Account = snap
	result.FeeCharged = input.Fee
	return result, nil
}
