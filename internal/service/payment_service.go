package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/Blockeeer/ai-hair-simulation/internal/config"
	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/payment"
)

var (
	ErrPaymentsDisabled = errors.New("payment provider is not configured")
	ErrPlanNotFound     = errors.New("plan not found")
	ErrSessionProcessed = errors.New("payment session already processed")
)

// PlanCatalog resolves credit packages. PlanService implements it.
type PlanCatalog interface {
	GetDefault(ctx context.Context) (*models.Plan, error)
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
}

// PaymentService opens checkout sessions and funnels every payment confirmation
// (client verify, processor webhook, Telegram successful_payment) into the reconciler.
type PaymentService struct {
	cfg        config.Config
	plans      PlanCatalog
	reconciler *payment.Reconciler
	gateway    payment.Gateway
	log        *slog.Logger
}

// NewPaymentService builds the service. gateway may be nil when card checkout is disabled.
func NewPaymentService(cfg config.Config, log *slog.Logger, plans PlanCatalog, reconciler *payment.Reconciler, gateway payment.Gateway) *PaymentService {
	return &PaymentService{
		cfg:        cfg,
		plans:      plans,
		reconciler: reconciler,
		gateway:    gateway,
		log:        log,
	}
}

func (s *PaymentService) resolvePlan(ctx context.Context, planID int64) (*models.Plan, error) {
	var plan *models.Plan
	var err error
	if planID > 0 {
		plan, err = s.plans.GetByID(ctx, planID)
	} else {
		plan, err = s.plans.GetDefault(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// CreateCheckout starts a card checkout for packageID (0 selects the default package).
func (s *PaymentService) CreateCheckout(ctx context.Context, userID, packageID int64) (*payment.Checkout, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	plan, err := s.resolvePlan(ctx, packageID)
	if err != nil {
		return nil, err
	}

	checkout, err := s.gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		UserID:     userID,
		Plan:       plan,
		SuccessURL: s.cfg.CheckoutSuccessURL,
		CancelURL:  s.cfg.CheckoutCancelURL,
	})
	if err != nil {
		return nil, err
	}

	if err := s.reconciler.Open(ctx, &models.PaymentSession{
		SessionID:      checkout.SessionID,
		UserID:         userID,
		PackageID:      plan.ID,
		Provider:       s.gateway.Name(),
		CreditsGranted: plan.Credits,
		Currency:       plan.Currency,
		Amount:         plan.PriceMinorUnits,
	}); err != nil {
		return nil, err
	}
	return checkout, nil
}

// Verify is the client-side confirmation after the checkout redirect.
func (s *PaymentService) Verify(ctx context.Context, userID int64, sessionID string) (payment.Result, error) {
	if s.gateway == nil {
		return payment.Result{}, ErrPaymentsDisabled
	}
	sess, err := s.reconciler.Lookup(ctx, sessionID)
	if err != nil {
		return payment.Result{}, err
	}
	if sess.UserID != userID {
		// Reconcile logs and rejects the mismatch without touching the processor.
		return s.reconciler.Reconcile(ctx, sessionID, userID, sess.CreditsGranted)
	}

	status, err := s.gateway.FetchSession(ctx, sessionID)
	if err != nil {
		return payment.Result{}, err
	}
	if !status.Paid {
		return payment.Result{}, payment.ErrNotPaid
	}
	return s.reconciler.Reconcile(ctx, sessionID, userID, sess.CreditsGranted)
}

// HandleStripeWebhook verifies and applies a processor event. A nil result
// means the event was valid but grants nothing.
func (s *PaymentService) HandleStripeWebhook(ctx context.Context, body []byte, signature string) (*payment.Result, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	status, err := s.gateway.ParseWebhook(body, signature)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, nil
	}

	sess, err := s.reconciler.Lookup(ctx, status.SessionID)
	if err != nil {
		return nil, err
	}
	owner := status.UserID
	if owner == 0 {
		owner = sess.UserID
	}
	res, err := s.reconciler.Reconcile(ctx, status.SessionID, owner, sess.CreditsGranted)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type invoicePayload struct {
	SessionID string `json:"session_id"`
}

// SendInvoice opens a Telegram payment session and sends the invoice for the default package.
// The invoice has no start parameter, so it cannot be forwarded and paid by someone else.
func (s *PaymentService) SendInvoice(ctx context.Context, bot *tgbotapi.BotAPI, user *models.User, chatID int64) error {
	if !s.cfg.TelegramPaymentsEnabled() {
		return ErrPaymentsDisabled
	}
	plan, sess, payload, err := s.openInvoice(ctx, user)
	if err != nil {
		return err
	}

	description := plan.Description
	if description == "" {
		description = fmt.Sprintf("%d hairstyle generations", plan.Credits)
	}
	prices := []tgbotapi.LabeledPrice{
		{
			Label:  fmt.Sprintf("%d credits", plan.Credits),
			Amount: plan.PriceMinorUnits,
		},
	}
	invoice := tgbotapi.NewInvoice(chatID,
		plan.Title,
		description,
		payload,
		s.cfg.TelegramPaymentProviderToken,
		"",
		sess.Currency,
		prices,
	)

	if _, err := bot.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

// openInvoice records the session for a Telegram invoice of the default
// package and returns the invoice payload naming it.
func (s *PaymentService) openInvoice(ctx context.Context, user *models.User) (*models.Plan, *models.PaymentSession, string, error) {
	plan, err := s.resolvePlan(ctx, 0)
	if err != nil {
		return nil, nil, "", err
	}

	sess := &models.PaymentSession{
		SessionID:      "tg_" + uuid.NewString(),
		UserID:         user.ID,
		PackageID:      plan.ID,
		Provider:       "telegram",
		CreditsGranted: plan.Credits,
		Currency:       strings.ToUpper(plan.Currency),
		Amount:         plan.PriceMinorUnits,
	}
	if err := s.reconciler.Open(ctx, sess); err != nil {
		return nil, nil, "", err
	}

	payload, err := json.Marshal(invoicePayload{SessionID: sess.SessionID})
	if err != nil {
		return nil, nil, "", fmt.Errorf("encode invoice payload: %w", err)
	}
	return plan, sess, string(payload), nil
}

// CheckPreCheckout reports whether payer may pay the invoice carrying payload:
// the session must exist, be unprocessed and belong to payer.
func (s *PaymentService) CheckPreCheckout(ctx context.Context, payer *models.User, payload string) error {
	sess, err := s.sessionFromPayload(ctx, payload)
	if err != nil {
		return err
	}
	if payer == nil || sess.UserID != payer.ID {
		s.log.Warn("pre-checkout from non-owner",
			"session_id", sess.SessionID,
			"owner_id", sess.UserID,
		)
		return payment.ErrForbidden
	}
	if sess.Processed() {
		return ErrSessionProcessed
	}
	return nil
}

// HandlePreCheckout answers Telegram's pre-checkout query. The charge is
// approved only when CheckPreCheckout accepts payer.
func (s *PaymentService) HandlePreCheckout(ctx context.Context, bot *tgbotapi.BotAPI, payer *models.User, query *tgbotapi.PreCheckoutQuery) error {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if err := s.CheckPreCheckout(ctx, payer, query.InvoicePayload); err != nil {
		response.OK = false
		response.ErrorMessage = "This invoice is no longer valid. Please request a new one with /buy."
	}
	if _, err := bot.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment reconciles the session named in the invoice payload for user.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, user *models.User, paid *tgbotapi.SuccessfulPayment) (payment.Result, error) {
	sess, err := s.sessionFromPayload(ctx, paid.InvoicePayload)
	if err != nil {
		return payment.Result{}, err
	}
	s.log.Info("telegram payment received",
		"session_id", sess.SessionID,
		"user_id", user.ID,
		"charge_id", paid.ProviderPaymentChargeID,
		"amount", paid.TotalAmount,
		"currency", paid.Currency,
	)
	return s.reconciler.Reconcile(ctx, sess.SessionID, user.ID, sess.CreditsGranted)
}

func (s *PaymentService) sessionFromPayload(ctx context.Context, raw string) (*models.PaymentSession, error) {
	var payload invoicePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("parse invoice payload: %w", err)
	}
	if payload.SessionID == "" {
		return nil, payment.ErrSessionNotFound
	}
	return s.reconciler.Lookup(ctx, payload.SessionID)
}
