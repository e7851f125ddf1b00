package handlers

import (
	"github.com/betledger/settlement/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Routes builds the authenticated API. Players act on their own wallets,
// wagers and withdrawals. Settling and cancelling bets belongs to the game
// servers that decide round outcomes.
func Routes(settlement *SettlementHandler, wallet *WalletHandler, limit *LimitHandler, jackpot *JackpotHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.AuthMiddleware)

	r.Post("/wagers", settlement.PlaceWager)

	r.Get("/wallets", wallet.ListWallets)
	r.Post("/wallets", wallet.ProvisionWallets)
	r.Post("/withdrawals", wallet.Withdraw)

	r.Get("/jackpots", jackpot.ListJackpots)
	r.Get("/jackpots/{jackpotId}", jackpot.GetJackpot)

	r.Get("/limits", limit.GetLimits)

	r.Route("/game", func(r chi.Router) {
		r.Use(middleware.RequireRole(middleware.RoleGameServer, middleware.RoleAdmin))

		r.Post("/bets/{betId}/settle", settlement.SettleBet)
		r.Post("/bets/{betId}/cancel", settlement.CancelBet)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin)

		r.Put("/limits/{userId}", limit.SetLimits)
		r.Post("/jackpots", jackpot.UpsertJackpot)
		r.Post("/wallets/{walletId}/credit", wallet.CreditWallet)
		r.Post("/wallets/{walletId}/debit", wallet.DebitWallet)
	})
	return r
}
