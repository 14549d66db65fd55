package payout

import "github.com/shopspring/decimal"

// WithdrawalRequest is the body of a payout request. Amount is in major units.
type WithdrawalRequest struct {
	Amount   decimal.Decimal   `json:"amount"`
	Notes    string            `json:"notes"`
	Metadata map[string]string `json:"metadata"`
}

// WithdrawalResponse reports the state of a payout after the gateway answered.
type WithdrawalResponse struct {
	WithdrawalID       string `json:"withdrawal_id"`
	Status             string `json:"status"`
	Amount             int64  `json:"amount_minor"`
	GatewayReference   string `json:"gateway_reference,omitempty"`
	CurrentBalance     int64  `json:"current_balance_minor"`
	PendingWithdrawals int64  `json:"pending_withdrawals_minor"`
	WithdrawnTotal     int64  `json:"withdrawn_total_minor"`
}

// CallbackRequest is the provider's asynchronous outcome notice.
type CallbackRequest struct {
	SellerID     string `json:"seller_id"`
	WithdrawalID string `json:"withdrawal_id"`
	Status       string `json:"status"`
	Reference    string `json:"reference"`
	Reason       string `json:"reason"`
}
