package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

var ErrInvalidSignature = errors.New("payment: invalid webhook signature")

type CheckoutRequest struct {
	UserID     int64
	Plan       *models.Plan
	SuccessURL string
	CancelURL  string
}

type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"checkout_url"`
}

// CheckoutStatus is the processor's view of a checkout session.
type CheckoutStatus struct {
	SessionID string
	Paid      bool
	UserID    int64
	PlanID    int64
}

// Gateway is an external payment processor.
type Gateway interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	FetchSession(ctx context.Context, sessionID string) (*CheckoutStatus, error)
	// ParseWebhook verifies the signature and extracts the session from a
	// payment event. It returns (nil, nil) for events that grant nothing.
	ParseWebhook(payload []byte, signature string) (*CheckoutStatus, error)
}

type StripeGateway struct {
	webhookSecret string
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway configures the process-wide stripe key.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{webhookSecret: webhookSecret}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("stripe checkout: no plan")
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.UserID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Plan.Currency),
					UnitAmount: stripe.Int64(int64(req.Plan.PriceMinorUnits)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s (%d credits)", req.Plan.Title, req.Plan.Credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(req.UserID, 10),
			"plan_id": strconv.FormatInt(req.Plan.ID, 10),
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &Checkout{SessionID: sess.ID, URL: sess.URL}, nil
}

func (g *StripeGateway) FetchSession(ctx context.Context, sessionID string) (*CheckoutStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(sessionID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("stripe: get checkout session: %w", err)
	}
	return statusFromSession(sess)
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*CheckoutStatus, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	st, err := statusFromSession(&sess)
	if err != nil {
		return nil, err
	}
	if !st.Paid {
		return nil, nil
	}
	return st, nil
}

func statusFromSession(sess *stripe.CheckoutSession) (*CheckoutStatus, error) {
	st := &CheckoutStatus{
		SessionID: sess.ID,
		Paid:      sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	if raw, ok := sess.Metadata["user_id"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stripe: invalid user_id metadata %q", raw)
		}
		st.UserID = id
	}
	if raw, ok := sess.Metadata["plan_id"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stripe: invalid plan_id metadata %q", raw)
		}
		st.PlanID = id
	}
	return st, nil
}
