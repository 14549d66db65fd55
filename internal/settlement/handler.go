package settlement

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/money"
)

// Handler exposes the order settlement endpoint.
type Handler struct {
	service *Service
}

// NewHandler constructs a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type creditRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Fee         decimal.Decimal   `json:"fee"`
	OrderRef    string            `json:"order_ref"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Credit settles a completed order into the seller's balance.
func (h *Handler) Credit(c *fiber.Ctx) error {
	var req creditRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := money.ToMinor(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	fee, err := money.ToMinor(req.Fee)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.SettleOrder(c.UserContext(), SettleInput{
		SellerID:    c.Params("sellerId"),
		OrderRef:    req.OrderRef,
		Amount:      amount,
		Fee:         fee,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateOrder):
			return fiber.NewError(http.StatusConflict, "order already settled")
		case errors.Is(err, ErrMissingOrderRef):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(ledger.StatusCode(err), err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"account":           ledger.ToAccountResponse(res.Account),
		"fee_charged_minor": res.FeeCharged,
	})
}
