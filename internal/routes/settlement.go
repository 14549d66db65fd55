package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/seller_ledger/internal/settlement"
)

// RegisterSettlementRoutes wires the order credit endpoint.
func RegisterSettlementRoutes(r fiber.Router, h *settlement.Handler) {
	r.Post("/sellers/:sellerId/credits", h.Credit)
}
