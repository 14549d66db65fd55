package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/seller_ledger/internal/ledger"
)

// RegisterLedgerRoutes wires account, ledger and withdrawal state endpoints.
func RegisterLedgerRoutes(r fiber.Router, h *ledger.Handler) {
	sellers := r.Group("/sellers/:sellerId")
	sellers.Get("/account", h.Account)
	sellers.Get("/ledger", h.Ledger)
	sellers.Get("/withdrawals", h.Withdrawals)
	sellers.Get("/withdrawals/:id", h.Withdrawal)
	sellers.Post("/withdrawals/:id/confirm", h.Confirm)
	sellers.Post("/withdrawals/:id/cancel", h.Cancel)
}
