package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/logging"
	"github.com/congo-pay/seller_ledger/internal/metrics"
)

const (
	sweepBatch    = 500
	timeoutReason = "payout timed out"
)

// Sweeper resolves withdrawals still reserved past the payout deadline. When a
// gateway is configured it is asked first: settled payouts are confirmed, rejected
// ones failed and accepted ones left for the callback. Only withdrawals the gateway
// never received are cancelled, returning the funds to the seller.
type Sweeper struct {
	engine   *ledger.Engine
	gateway  Gateway
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper that runs every interval over withdrawals requested
// more than timeout ago. gateway may be nil; then only withdrawals without a
// gateway reference are cancelled.
func NewSweeper(engine *ledger.Engine, gateway Gateway, timeout, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		gateway:  gateway,
		timeout:  timeout,
		interval: interval,
		logger:   logging.Component(logger, "sweeper"),
		now:      time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", slog.Duration("interval", s.interval), slog.Duration("timeout", s.timeout))
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce resolves every stale withdrawal and reports how many were closed
// (confirmed, failed or cancelled). Withdrawals settled concurrently by a callback
// are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.timeout)
	refs, err := s.engine.StaleWithdrawals(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		outcome, err := s.resolve(ctx, ref)
		switch {
		case err == nil && outcome != "":
			closed++
			s.logger.Info("stale withdrawal resolved",
				slog.String("seller_id", ref.SellerID),
				slog.String("withdrawal_id", ref.WithdrawalID),
				slog.String("outcome", outcome),
				slog.Time("requested_at", ref.RequestedAt),
			)
		case err == nil:
		case errors.Is(err, ledger.ErrInvalidState), errors.Is(err, ledger.ErrNotFound):
		default:
			s.logger.Warn("resolve stale withdrawal",
				slog.String("withdrawal_id", ref.WithdrawalID),
				slog.Any("error", err),
			)
		}
	}
	return closed, nil
}

// resolve returns the outcome applied to ref, or "" when it was left alone.
func (s *Sweeper) resolve(ctx context.Context, ref ledger.WithdrawalRef) (string, error) {
	if s.gateway != nil {
		d, err := s.gateway.Status(ctx, ref.WithdrawalID)
		switch {
		case errors.Is(err, ErrUnknownDisbursement):
		case err != nil:
			return "", err
		case d.Status == DecisionSettled:
			if _, err := s.engine.ConfirmWithdrawal(ctx, ref.SellerID, ref.WithdrawalID, d.Reference); err != nil {
				return "", err
			}
			return "confirmed", nil
		case d.Status == DecisionRejected:
			reason := d.Reason
			if reason == "" {
				reason = "rejected by payout provider"
			}
			if _, err := s.engine.FailWithdrawal(ctx, ref.SellerID, ref.WithdrawalID, reason); err != nil {
				return "", err
			}
			return "failed", nil
		default:
			return "", nil
		}
	}

	if ref.Status != ledger.WithdrawalPending {
		return "", nil
	}
	if _, err := s.engine.ExpireWithdrawal(ctx, ref.SellerID, ref.WithdrawalID, timeoutReason); err != nil {
		return "", err
	}
	metrics.WithdrawalsSwept.Inc()
	return "cancelled", nil
}
