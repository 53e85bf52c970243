package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

// ErrUnknownPackage is returned when a checkout names a package that does
// not exist or has no configured price.
var ErrUnknownPackage = errors.New("unknown package")

// Package names accepted by the checkout endpoint.
const (
	PackageSmall  = "small"
	PackageMedium = "medium"
	PackageLarge  = "large"
)

// Token counts per package.
const (
	TokensSmall  = 5
	TokensMedium = 15
	TokensLarge  = 40
)

// CheckoutService creates Stripe Checkout sessions for token purchases.
type CheckoutService struct {
	appOrigin string
	prices    map[string]priceRef
}

type priceRef struct {
	priceID string
	tokens  int
}

type CheckoutConfig struct {
	SecretKey   string
	AppOrigin   string
	PriceSmall  string
	PriceMedium string
	PriceLarge  string
}

func NewCheckoutService(cfg CheckoutConfig) *CheckoutService {
	stripe.Key = cfg.SecretKey
	return &CheckoutService{
		appOrigin: cfg.AppOrigin,
		prices: map[string]priceRef{
			PackageSmall:  {priceID: cfg.PriceSmall, tokens: TokensSmall},
			PackageMedium: {priceID: cfg.PriceMedium, tokens: TokensMedium},
			PackageLarge:  {priceID: cfg.PriceLarge, tokens: TokensLarge},
		},
	}
}

// ResolvePackage maps a package name to its price id and token count.
func (c *CheckoutService) ResolvePackage(pkg string) (string, int, error) {
	ref, ok := c.prices[pkg]
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrUnknownPackage, pkg)
	}
	if ref.priceID == "" {
		return "", 0, fmt.Errorf("%w: %q has no configured price", ErrUnknownPackage, pkg)
	}
	return ref.priceID, ref.tokens, nil
}

// buildSessionParams assembles the checkout session request. The account id
// and token count ride in metadata so the webhook can credit the right
// ledger on completion.
func (c *CheckoutService) buildSessionParams(accountID, email, priceID string, tokens int) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(fmt.Sprintf("%s/?success=true&credits=%d", c.appOrigin, tokens)),
		CancelURL:  stripe.String(c.appOrigin + "/?canceled=true"),
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.AddMetadata("user_id", accountID)
	params.AddMetadata("tokens", strconv.Itoa(tokens))
	return params
}

// CreateSession starts a checkout session for the named package and returns
// the hosted payment page URL.
func (c *CheckoutService) CreateSession(ctx context.Context, accountID, email, pkg string) (string, error) {
	priceID, tokens, err := c.ResolvePackage(pkg)
	if err != nil {
		return "", err
	}

	params := c.buildSessionParams(accountID, email, priceID, tokens)
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	slog.Info("checkout session created", "account_id", accountID, "package", pkg, "tokens", tokens, "session_id", sess.ID)
	return sess.URL, nil
}
