package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes read endpoints and withdrawal confirm/cancel over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a ledger handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// AccountResponse is the JSON view of an account snapshot. Amounts are minor units.
type AccountResponse struct {
	SellerID           string    `json:"seller_id"`
	TotalEarnings      int64     `json:"total_earnings_minor"`
	TotalOrders        int64     `json:"total_orders"`
	CurrentBalance     int64     `json:"current_balance_minor"`
	PendingWithdrawals int64     `json:"pending_withdrawals_minor"`
	WithdrawnTotal     int64     `json:"withdrawn_total_minor"`
	LastUpdated        time.Time `json:"last_updated"`
}

// EntryResponse is the JSON view of a ledger entry.
type EntryResponse struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Amount       int64             `json:"amount_minor"`
	BalanceAfter int64             `json:"balance_after_minor"`
	OrderRef     string            `json:"order_ref,omitempty"`
	WithdrawalID string            `json:"withdrawal_id,omitempty"`
	Status       string            `json:"status"`
	Description  string            `json:"description"`
	CreatedAt    time.Time         `json:"created_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// WithdrawalResponse is the JSON view of a withdrawal request.
type WithdrawalResponse struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount_minor"`
	Status             string            `json:"status"`
	RequestedAt        time.Time         `json:"requested_at"`
	ProcessedAt        *time.Time        `json:"processed_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	SettlementRef      string            `json:"settlement_ref,omitempty"`
	GatewayRef         string            `json:"gateway_ref,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type confirmRequest struct {
	SettlementRef string `json:"settlement_ref"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Account returns the seller's balances.
func (h *Handler) Account(c *fiber.Ctx) error {
	snap, err := h.engine.GetAccount(c.UserContext(), c.Params("sellerId"))
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(ToAccountResponse(snap))
}

// Ledger returns one page of the seller's entries.
func (h *Handler) Ledger(c *fiber.Ctx) error {
	filter := EntryFilter{
		Kind:         EntryKind(c.Query("kind")),
		WithdrawalID: c.Query("withdrawal_id"),
		Page:         c.QueryInt("page", 1),
		Limit:        c.QueryInt("limit", defaultPageLimit),
	}
	page, err := h.engine.ListLedger(c.UserContext(), c.Params("sellerId"), filter)
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}
	entries := make([]EntryResponse, 0, len(page.Entries))
	for _, e := range page.Entries {
		entries = append(entries, toEntryResponse(e))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"entries": entries,
		"total":   page.Total,
		"page":    page.Page,
		"limit":   page.Limit,
	})
}

// Withdrawals lists the seller's withdrawals, optionally by status.
func (h *Handler) Withdrawals(c *fiber.Ctx) error {
	list, err := h.engine.ListWithdrawals(c.UserContext(), c.Params("sellerId"), WithdrawalStatus(c.Query("status")))
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}
	out := make([]WithdrawalResponse, 0, len(list))
	for _, w := range list {
		out = append(out, ToWithdrawalResponse(w))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"withdrawals": out})
}

// Withdrawal returns a single withdrawal.
func (h *Handler) Withdrawal(c *fiber.Ctx) error {
	w, err := h.engine.GetWithdrawal(c.UserContext(), c.Params("sellerId"), c.Params("id"))
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(ToWithdrawalResponse(w))
}

// Confirm marks a withdrawal as paid out.
func (h *Handler) Confirm(c *fiber.Ctx) error {
	var req confirmRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	snap, err := h.engine.ConfirmWithdrawal(c.UserContext(), c.Params("sellerId"), c.Params("id"), req.SettlementRef)
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(ToAccountResponse(snap))
}

// Cancel releases a withdrawal back to the available balance.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}
	snap, err := h.engine.CancelWithdrawal(c.UserContext(), c.Params("sellerId"), c.Params("id"), req.Reason)
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(ToAccountResponse(snap))
}

// StatusCode maps ledger errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidFilter), errors.Is(err, ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToAccountResponse converts a snapshot to its JSON view.
func ToAccountResponse(s Snapshot) AccountResponse {
	return AccountResponse{
		SellerID:           s.SellerID,
		TotalEarnings:      s.TotalEarnings,
		TotalOrders:        s.TotalOrders,
		CurrentBalance:     s.CurrentBalance,
		PendingWithdrawals: s.PendingWithdrawals,
		WithdrawnTotal:     s.WithdrawnTotal,
		LastUpdated:        s.LastUpdated,
	}
}

// ToWithdrawalResponse converts a withdrawal to its JSON view.
func ToWithdrawalResponse(w Withdrawal) WithdrawalResponse {
	return WithdrawalResponse{
		ID:                 w.ID,
		Amount:             w.Amount,
		Status:             string(w.Status),
		RequestedAt:        w.RequestedAt,
		ProcessedAt:        w.ProcessedAt,
		CompletedAt:        w.CompletedAt,
		CancelledAt:        w.CancelledAt,
		Notes:              w.Notes,
		CancellationReason: w.CancellationReason,
		SettlementRef:      w.SettlementRef,
		GatewayRef:         w.GatewayRef,
		Metadata:           w.Metadata,
	}
}

func toEntryResponse(e Entry) EntryResponse {
	return EntryResponse{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		OrderRef:     e.OrderRef,
		WithdrawalID: e.WithdrawalID,
		Status:       string(e.Status),
		Description:  e.Description,
		CreatedAt:    e.CreatedAt,
		ResolvedAt:   e.ResolvedAt,
		Metadata:     e.Metadata,
	}
}
