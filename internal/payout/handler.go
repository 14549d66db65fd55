package payout

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/money"
)

// Handler exposes HTTP endpoints for seller payouts.
type Handler struct {
	service *Service
}

// NewHandler constructs a payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Withdraw reserves funds and sends them to the disbursement gateway.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req WithdrawalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := money.ToMinor(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.RequestPayout(c.UserContext(), PayoutInput{
		SellerID: c.Params("sellerId"),
		Amount:   amount,
		Notes:    req.Notes,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, ErrGatewayRejected) {
			return c.Status(http.StatusBadGateway).JSON(fiber.Map{
				"error":      err.Error(),
				"withdrawal": toResponse(result),
			})
		}
		return fiber.NewError(ledger.StatusCode(err), err.Error())
	}

	status := http.StatusCreated
	if result.Withdrawal.Status.Reserved() {
		status = http.StatusAccepted
	}
	return c.Status(status).JSON(toResponse(result))
}

// Callback receives asynchronous payout outcomes from the provider.
func (h *Handler) Callback(c *fiber.Ctx) error {
	var req CallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	snap, err := h.service.HandleCallback(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidCallback) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(ledger.StatusCode(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(ledger.ToAccountResponse(snap))
}

func toResponse(result PayoutResult) WithdrawalResponse {
	return WithdrawalResponse{
		WithdrawalID:       result.Withdrawal.ID,
		Status:             string(result.Withdrawal.Status),
		Amount:             result.Withdrawal.Amount,
		GatewayReference:   result.Withdrawal.GatewayRef,
		CurrentBalance:     result.Account.CurrentBalance,
		PendingWithdrawals: result.Account.PendingWithdrawals,
		WithdrawnTotal:     result.Account.WithdrawnTotal,
	}
}
