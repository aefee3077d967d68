package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/digkill/CreatorBot/internal/config"
	"github.com/digkill/CreatorBot/internal/models"
)

const (
	starsCurrency   = "XTR"
	proPayloadStart = "pro:"
	providerStars   = "telegram_stars"
)

var (
	ErrPaymentsDisabled = errors.New("pro purchase is disabled")
	ErrInvalidPayment   = errors.New("invalid payment")
)

// StarsInvoice describes a Telegram Stars invoice for the PRO pack.
type StarsInvoice struct {
	Title       string
	Description string
	Payload     string
	Label       string
	Amount      int
}

// Charge is a confirmed payment as reported by the chat platform.
type Charge struct {
	UserID   int64
	ChargeID string
	Currency string
	Amount   int
	Payload  string
}

type PaymentService struct {
	cfg      config.Config
	log      *slog.Logger
	payments PaymentStore
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments PaymentStore) *PaymentService {
	return &PaymentService{cfg: cfg, log: log, payments: payments}
}

func (s *PaymentService) Enabled() bool {
	return s.cfg.PriceProXTR > 0
}

func (s *PaymentService) Invoice(userID int64) (StarsInvoice, error) {
	if !s.Enabled() {
		return StarsInvoice{}, ErrPaymentsDisabled
	}
	return StarsInvoice{
		Title:       "Creator PRO",
		Description: fmt.Sprintf("%d приоритетных генераций.", s.cfg.ProCreditsPerBuy),
		Payload:     proPayloadStart + strconv.FormatInt(userID, 10),
		Label:       "PRO пакет",
		Amount:      s.cfg.PriceProXTR,
	}, nil
}

// ValidateCheckout answers the pre-checkout query: the invoice must be ours, for this
// user, in Stars and at the current price.
func (s *PaymentService) ValidateCheckout(userID int64, payload, currency string, amount int) error {
	if !s.Enabled() {
		return ErrPaymentsDisabled
	}
	if currency != starsCurrency {
		return fmt.Errorf("%w: currency %q", ErrInvalidPayment, currency)
	}
	if amount != s.cfg.PriceProXTR {
		return fmt.Errorf("%w: amount %d", ErrInvalidPayment, amount)
	}
	owner, ok := parseProPayload(payload)
	if !ok || owner != userID {
		return fmt.Errorf("%w: payload %q", ErrInvalidPayment, payload)
	}
	return nil
}

// HandleSuccessfulPayment credits the PRO pack once per charge id. It reports false
// when the charge had already been settled.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, c Charge) (bool, error) {
	if c.ChargeID == "" {
		return false, fmt.Errorf("%w: empty charge id", ErrInvalidPayment)
	}
	if c.Currency != starsCurrency {
		return false, fmt.Errorf("%w: currency %q", ErrInvalidPayment, c.Currency)
	}
	if owner, ok := parseProPayload(c.Payload); !ok || owner != c.UserID {
		return false, fmt.Errorf("%w: payload %q", ErrInvalidPayment, c.Payload)
	}

	settled, err := s.payments.RecordAndCredit(ctx, &models.Payment{
		UserID:   c.UserID,
		Provider: providerStars,
		ChargeID: c.ChargeID,
		Currency: c.Currency,
		Amount:   c.Amount,
		Credits:  s.cfg.ProCreditsPerBuy,
		Payload:  c.Payload,
	})
	if err != nil {
		return false, fmt.Errorf("record payment: %w", err)
	}
	if settled {
		s.log.Info("pro pack purchased", "user", c.UserID, "charge_id", c.ChargeID, "credits", s.cfg.ProCreditsPerBuy)
	} else {
		s.log.Warn("duplicate payment ignored", "user", c.UserID, "charge_id", c.ChargeID)
	}
	return settled, nil
}

func (s *PaymentService) CreditsPerPurchase() int {
	return s.cfg.ProCreditsPerBuy
}

func parseProPayload(payload string) (int64, bool) {
	if !strings.HasPrefix(payload, proPayloadStart) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(payload, proPayloadStart), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
