package payments

import (
	"context"
	"errors"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var ErrDisabled = errors.New("card payments disabled")

// Holder places a manual-capture hold for a balance top-up. The hold is
// captured when an admin approves the recharge and cancelled on rejection.
type Holder interface {
	Hold(ctx context.Context, amount float64, currency, reference string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go PaymentIntents.
type StripeClient struct{}

func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its ID.
func (s *StripeClient) Hold(ctx context.Context, amount float64, currency, reference string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(math.Round(amount * 100))),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("reference", reference)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Disabled is used when no Stripe key is configured.
type Disabled struct{}

func (Disabled) Hold(context.Context, float64, string, string) (string, error) { return "", ErrDisabled }
func (Disabled) Capture(context.Context, string) error                         { return ErrDisabled }
func (Disabled) Cancel(context.Context, string) error                          { return ErrDisabled }
