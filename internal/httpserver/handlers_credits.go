package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	proberrors "github.com/PixelProbe/server/internal/errors"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/storage"
	stripesvc "github.com/PixelProbe/server/internal/stripe"
	"github.com/PixelProbe/server/pkg/responders"
)

// balanceKey resolves the caller to a balance owner: the authenticated user
// if upstream identified one, the anonymous session otherwise.
func balanceKey(r *http.Request) storage.BalanceKey {
	ctx := r.Context()
	if uid := userID(ctx); uid != "" {
		return storage.BalanceKey{UserID: uid}
	}
	return storage.BalanceKey{SessionID: sessionID(ctx)}
}

// creditsBalance returns the caller's spendable credits.
func (h handlers) creditsBalance(w http.ResponseWriter, r *http.Request) {
	credits, err := h.Ledger.Balance(r.Context(), balanceKey(r))
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("balance lookup failed")
		proberrors.WriteSimpleError(w, proberrors.ErrCodeDatabaseError, "balance unavailable")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"credits": credits})
}

// creditPacks lists the purchasable packs.
func (h handlers) creditPacks(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{"packs": h.Stripe.ListPacks()})
}

type transactionView struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// creditTransactions returns the caller's ledger history, newest first.
func (h handlers) creditTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.Ledger.Transactions(r.Context(), balanceKey(r), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("transaction listing failed")
		proberrors.WriteSimpleError(w, proberrors.ErrCodeDatabaseError, "transactions unavailable")
		return
	}

	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, transactionView{
			ID:          tx.ID,
			Kind:        string(tx.Kind),
			Amount:      tx.Amount,
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]any{"transactions": views})
}

type purchaseRequest struct {
	Pack  string `json:"pack"`
	Email string `json:"email,omitempty"`
}

// purchaseCredits opens a checkout session for a credit pack and returns the
// redirect URL. Behind the idempotency middleware a retried request replays
// the original session instead of opening a second one.
func (h handlers) purchaseCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req purchaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		proberrors.WriteSimpleError(w, proberrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Pack == "" {
		proberrors.WriteSimpleError(w, proberrors.ErrCodeMissingField, "pack required")
		return
	}

	session, err := h.Stripe.CreateCheckoutSession(ctx, stripesvc.CheckoutRequest{
		PackID:        req.Pack,
		SessionID:     sessionID(ctx),
		UserID:        userID(ctx),
		CustomerEmail: req.Email,
	})
	if err != nil {
		if errors.Is(err, stripesvc.ErrUnknownPack) {
			proberrors.WriteSimpleError(w, proberrors.ErrCodeUnknownCreditPack, "unknown credit pack "+req.Pack)
			return
		}
		logger.FromContext(ctx).Error().Err(err).Str("pack", req.Pack).Msg("checkout session failed")
		proberrors.WriteSimpleError(w, proberrors.ErrCodeStripeError, "checkout unavailable")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"checkoutUrl":       session.URL,
		"checkoutSessionId": session.ID,
		"pack":              req.Pack,
	})
}
