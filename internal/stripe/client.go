// Package stripe wraps stripe-go for credit-pack checkout. The payment
// provider notifies us of completed payments through the signed webhook the
// webhooks package ingests; this client only opens checkout sessions.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/logger"
)

// ErrUnknownPack is returned when a purchase names a pack that is not configured.
var ErrUnknownPack = errors.New("stripe: unknown credit pack")

// Client wraps the stripe-go operations used by the server.
type Client struct {
	cfg config.StripeConfig
}

// NewClient sets up stripe-go with the provided credentials.
func NewClient(cfg config.StripeConfig) *Client {
	stripeapi.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Pack is a purchasable credit bundle as exposed to clients.
type Pack struct {
	ID              string `json:"id"`
	Credits         int64  `json:"credits"`
	FiatAmountCents int64  `json:"fiatAmountCents"`
	Currency        string `json:"currency"`
	Description     string `json:"description,omitempty"`
}

// ListPacks returns the configured credit packs, cheapest first.
func (c *Client) ListPacks() []Pack {
	packs := make([]Pack, 0, len(c.cfg.Packs))
	for id, p := range c.cfg.Packs {
		packs = append(packs, Pack{
			ID:              id,
			Credits:         p.Credits,
			FiatAmountCents: p.FiatAmountCents,
			Currency:        p.Currency,
			Description:     p.Description,
		})
	}
	sort.Slice(packs, func(i, j int) bool {
		if packs[i].FiatAmountCents != packs[j].FiatAmountCents {
			return packs[i].FiatAmountCents < packs[j].FiatAmountCents
		}
		return packs[i].ID < packs[j].ID
	})
	return packs
}

// PackByID looks up a configured pack.
func (c *Client) PackByID(id string) (config.CreditPack, error) {
	pack, ok := c.cfg.Packs[id]
	if !ok {
		return config.CreditPack{}, fmt.Errorf("%w: %s", ErrUnknownPack, id)
	}
	return pack, nil
}

// CheckoutRequest captures who is buying which pack.
type CheckoutRequest struct {
	PackID        string
	SessionID     string // caller's session, echoed through checkout metadata
	UserID        string // empty for anonymous checkout
	CustomerEmail string
}

// CreateCheckoutSession opens a Stripe Checkout session for a credit pack.
// The metadata round-trips through the payment provider so the webhook can
// credit the right balance.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*stripeapi.CheckoutSession, error) {
	pack, err := c.PackByID(req.PackID)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, errors.New("stripe: session id required")
	}

	metadata := map[string]string{
		"pack_id":    req.PackID,
		"session_id": req.SessionID,
		"credits":    fmt.Sprintf("%d", pack.Credits),
	}
	if req.UserID != "" {
		metadata["user_id"] = req.UserID
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(c.cfg.SuccessURL),
		CancelURL:          stripeapi.String(c.cfg.CancelURL),
	}
	params.Metadata = metadata

	if req.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(req.CustomerEmail)
	}

	if pack.StripePriceID != "" {
		params.LineItems = []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(pack.StripePriceID),
				Quantity: stripeapi.Int64(1),
			},
		}
	} else {
		if pack.FiatAmountCents <= 0 {
			return nil, fmt.Errorf("stripe: pack %s has no price", req.PackID)
		}
		currency := pack.Currency
		if currency == "" {
			currency = "usd"
		}
		description := pack.Description
		if description == "" {
			description = fmt.Sprintf("%d extraction credits", pack.Credits)
		}
		params.LineItems = []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency: stripeapi.String(strings.ToLower(currency)),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(description),
					},
					UnitAmount: stripeapi.Int64(pack.FiatAmountCents),
				},
			},
		}
	}

	s, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	logger.FromContext(ctx).Info().
		Str("pack_id", req.PackID).
		Str("checkout_session", s.ID).
		Int64("amount_cents", pack.FiatAmountCents).
		Msg("checkout session created")
	return s, nil
}
