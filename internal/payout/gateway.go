package payout

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/congo-pay/seller_ledger/internal/config"
)

// Decision statuses reported by a Gateway.
const (
	DecisionSettled  = "settled"
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

var (
	// ErrGatewayRejected is returned when the disbursement provider refuses a payout.
	ErrGatewayRejected = errors.New("payout rejected by gateway")
	// ErrUnknownDisbursement is returned by Gateway.Status for a withdrawal the
	// provider never received.
	ErrUnknownDisbursement = errors.New("disbursement unknown to gateway")
)

// Gateway represents a connector to an external disbursement provider (bank or
// mobile money). Disbursements are keyed by withdrawal id: sending the same
// withdrawal twice returns the first decision, and Status reports the provider's
// current view of it.
type Gateway interface {
	Disburse(ctx context.Context, req Disbursement) (Decision, error)
	Status(ctx context.Context, withdrawalID string) (Decision, error)
}

// Disbursement is the instruction sent to the provider.
type Disbursement struct {
	SellerID     string
	WithdrawalID string
	Amount       int64
}

// Decision captures the provider's answer. Accepted payouts are settled later
// through a callback.
type Decision struct {
	Reference string
	Status    string
	Reason    string
}

// NewGateway returns the simulated provider for a GATEWAY_MODE value.
func NewGateway(mode string) Gateway {
	if mode == config.GatewayDeferred {
		return NewDeferredGateway()
	}
	return NewStaticGateway()
}

// simulatedProvider remembers every decision it handed out.
type simulatedProvider struct {
	mu        sync.Mutex
	decisions map[string]Decision
	status    string
}

func (p *simulatedProvider) disburse(req Disbursement) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.decisions[req.WithdrawalID]; ok {
		return d
	}
	d := Decision{Reference: uuid.NewString(), Status: p.status}
	p.decisions[req.WithdrawalID] = d
	return d
}

func (p *simulatedProvider) lookup(withdrawalID string) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.decisions[withdrawalID]
	if !ok {
		return Decision{}, ErrUnknownDisbursement
	}
	return d, nil
}

// StaticGateway simulates a provider that pays out immediately.
type StaticGateway struct {
	provider simulatedProvider
}

// NewStaticGateway builds a provider that settles every payout.
func NewStaticGateway() *StaticGateway {
	return &StaticGateway{provider: simulatedProvider{decisions: map[string]Decision{}, status: DecisionSettled}}
}

// Disburse settles the payout with a synthetic reference.
func (g *StaticGateway) Disburse(_ context.Context, req Disbursement) (Decision, error) {
	return g.provider.disburse(req), nil
}

// Status returns the decision recorded for withdrawalID.
func (g *StaticGateway) Status(_ context.Context, withdrawalID string) (Decision, error) {
	return g.provider.lookup(withdrawalID)
}

// DeferredGateway simulates an asynchronous provider: every payout is accepted and
// the outcome arrives on the callback endpoint.
type DeferredGateway struct {
	provider simulatedProvider
}

// NewDeferredGateway builds a provider that accepts every payout.
func NewDeferredGateway() *DeferredGateway {
	return &DeferredGateway{provider: simulatedProvider{decisions: map[string]Decision{}, status: DecisionAccepted}}
}

// Disburse accepts the payout with a synthetic reference.
func (g *DeferredGateway) Disburse(_ context.Context, req Disbursement) (Decision, error) {
	return g.provider.disburse(req), nil
}

// Status returns the decision recorded for withdrawalID.
func (g *DeferredGateway) Status(_ context.Context, withdrawalID string) (Decision, error) {
	return g.provider.lookup(withdrawalID)
}
