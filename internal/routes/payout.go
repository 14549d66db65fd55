package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/seller_ledger/internal/payout"
)

// RegisterPayoutRoutes wires withdrawal requests and the gateway callback.
func RegisterPayoutRoutes(r fiber.Router, h *payout.Handler, rateLimiter fiber.Handler) {
	if rateLimiter != nil {
		r.Post("/sellers/:sellerId/withdrawals", rateLimiter, h.Withdraw)
	} else {
		r.Post("/sellers/:sellerId/withdrawals", h.Withdraw)
	}
	r.Post("/payouts/callback", h.Callback)
}
