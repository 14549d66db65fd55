package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/logging"
	"github.com/congo-pay/seller_ledger/internal/metrics"
)

// Callback statuses accepted from the provider.
const (
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

const confirmAttempts = 4

// ErrInvalidCallback is returned for callbacks with an unknown status or missing ids.
var ErrInvalidCallback = errors.New("invalid payout callback")

// Service coordinates seller withdrawals between the ledger and the disbursement
// gateway: reserve, hand off, then confirm or release.
type Service struct {
	engine     *ledger.Engine
	gateway    Gateway
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewService prepares a payout service. A nil gateway pays out immediately.
func NewService(engine *ledger.Engine, gateway Gateway, logger *slog.Logger) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("ledger engine is required")
	}
	if gateway == nil {
		gateway = NewStaticGateway()
	}
	return &Service{
		engine:     engine,
		gateway:    gateway,
		logger:     logging.Component(logger, "payout"),
		retryDelay: 100 * time.Millisecond,
	}, nil
}

// Gateway returns the disbursement gateway the service pays out through.
func (s *Service) Gateway() Gateway {
	return s.gateway
}

// PayoutInput captures a seller's withdrawal request.
type PayoutInput struct {
	SellerID string
	Amount   int64
	Notes    string
	Metadata map[string]string
}

// PayoutResult represents the domain outcome of a payout request.
type PayoutResult struct {
	Withdrawal ledger.Withdrawal
	Account    ledger.Snapshot
}

// RequestPayout reserves the funds and sends the disbursement. Once the gateway
// has answered, ledger failures are logged rather than returned: the withdrawal
// stays reserved and the sweeper settles it against Gateway.Status. A rejection
// releases the funds and returns ErrGatewayRejected.
func (s *Service) RequestPayout(ctx context.Context, input PayoutInput) (PayoutResult, error) {
	handle, err := s.engine.RequestWithdrawal(ctx, input.SellerID, input.Amount, input.Notes, input.Metadata)
	if err != nil {
		return PayoutResult{}, err
	}
	w := handle.Withdrawal
	result := PayoutResult{Withdrawal: w, Account: handle.Account}

	decision, err := s.gateway.Disburse(ctx, Disbursement{SellerID: w.SellerID, WithdrawalID: w.ID, Amount: w.Amount})
	if err != nil {
		metrics.PayoutOutcomes.WithLabelValues("error").Inc()
		s.logger.Warn("gateway unreachable, withdrawal left pending",
			slog.String("seller_id", w.SellerID),
			slog.String("withdrawal_id", w.ID),
			slog.Any("error", err),
		)
		return result, nil
	}
	metrics.PayoutOutcomes.WithLabelValues(decision.Status).Inc()

	// The gateway has acted; record its answer even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	switch decision.Status {
	case DecisionSettled:
		s.markProcessing(ctx, w, decision.Reference)
		if _, err := s.confirm(ctx, w, decision.Reference); err != nil {
			metrics.PayoutOutcomes.WithLabelValues("unrecorded").Inc()
			s.logger.Error("gateway settled payout but the ledger did not record it",
				slog.String("seller_id", w.SellerID),
				slog.String("withdrawal_id", w.ID),
				slog.String("gateway_ref", decision.Reference),
				slog.Any("error", err),
			)
		}
	case DecisionAccepted:
		s.markProcessing(ctx, w, decision.Reference)
	case DecisionRejected:
		reason := decision.Reason
		if reason == "" {
			reason = "rejected by payout provider"
		}
		snap, err := s.engine.FailWithdrawal(ctx, w.SellerID, w.ID, reason)
		if err != nil {
			return result, err
		}
		result.Account = snap
		if result.Withdrawal, err = s.engine.GetWithdrawal(ctx, w.SellerID, w.ID); err != nil {
			return result, err
		}
		return result, fmt.Errorf("withdrawal %s: %s: %w", w.ID, reason, ErrGatewayRejected)
	default:
		s.logger.Warn("unknown gateway decision, withdrawal left pending",
			slog.String("withdrawal_id", w.ID),
			slog.String("status", decision.Status),
		)
		return result, nil
	}

	return s.refresh(ctx, result), nil
}

// markProcessing records the gateway reference. Failure only costs observability;
// Gateway.Status still knows the payout.
func (s *Service) markProcessing(ctx context.Context, w ledger.Withdrawal, ref string) {
	if _, err := s.engine.MarkProcessing(ctx, w.SellerID, w.ID, ref); err != nil {
		s.logger.Warn("record gateway reference",
			slog.String("withdrawal_id", w.ID),
			slog.String("gateway_ref", ref),
			slog.Any("error", err),
		)
	}
}

// confirm retries ConfirmWithdrawal a bounded number of times. Domain errors are
// not retried.
func (s *Service) confirm(ctx context.Context, w ledger.Withdrawal, ref string) (ledger.Snapshot, error) {
	var err error
	for attempt := 1; attempt <= confirmAttempts; attempt++ {
		var snap ledger.Snapshot
		snap, err = s.engine.ConfirmWithdrawal(ctx, w.SellerID, w.ID, ref)
		if err == nil || errors.Is(err, ledger.ErrInvalidState) || errors.Is(err, ledger.ErrNotFound) {
			return snap, err
		}
		if attempt < confirmAttempts {
			time.Sleep(time.Duration(attempt) * s.retryDelay)
		}
	}
	return ledger.Snapshot{}, err
}

// refresh reloads the withdrawal and account; on failure result keeps the state
// known at reservation time.
func (s *Service) refresh(ctx context.Context, result PayoutResult) PayoutResult {
	w := result.Withdrawal
	if cur, err := s.engine.GetWithdrawal(ctx, w.SellerID, w.ID); err == nil {
		result.Withdrawal = cur
	}
	if snap, err := s.engine.GetAccount(ctx, w.SellerID); err == nil {
		result.Account = snap
	}
	return result
}

// HandleCallback applies an asynchronous outcome reported by the provider. Repeated
// success callbacks are harmless.
func (s *Service) HandleCallback(ctx context.Context, cb CallbackRequest) (ledger.Snapshot, error) {
	if cb.SellerID == "" || cb.WithdrawalID == "" {
		return ledger.Snapshot{}, fmt.Errorf("seller and withdrawal ids are required: %w", ErrInvalidCallback)
	}
	switch cb.Status {
	case CallbackCompleted:
		return s.engine.ConfirmWithdrawal(ctx, cb.SellerID, cb.WithdrawalID, cb.Reference)
	case CallbackFailed:
		reason := cb.Reason
		if reason == "" {
			reason = "payout failed"
		}
		return s.engine.FailWithdrawal(ctx, cb.SellerID, cb.WithdrawalID, reason)
	default:
		return ledger.Snapshot{}, fmt.Errorf("status %q: %w", cb.Status, ErrInvalidCallback)
	}
}
