package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/CreatorBot/internal/metrics"
	"github.com/digkill/CreatorBot/internal/models"
)

// DenialNoCredits is the only reason a billable action is refused.
const DenialNoCredits = "no_credits"

var ErrInsufficientCredits = errors.New("insufficient credits")

// Decision is the outcome of the billable action gate. Tier is empty for privileged
// callers, who are never charged.
type Decision struct {
	Authorized bool
	Privileged bool
	Tier       models.CreditTier
	Reason     string
}

type CreditService struct {
	log        *slog.Logger
	users      UserStore
	metrics    *metrics.Metrics
	privileged map[int64]struct{}
}

func NewCreditService(log *slog.Logger, users UserStore, m *metrics.Metrics, adminIDs []int64) *CreditService {
	privileged := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		privileged[id] = struct{}{}
	}
	return &CreditService{log: log, users: users, metrics: m, privileged: privileged}
}

func (s *CreditService) IsPrivileged(userID int64) bool {
	_, ok := s.privileged[userID]
	return ok
}

// AuthorizeAndCharge is the single gate in front of every provider call.
func (s *CreditService) AuthorizeAndCharge(ctx context.Context, userID int64, privileged bool) (Decision, error) {
	if privileged {
		s.metrics.CreditDecision("privileged")
		return Decision{Authorized: true, Privileged: true}, nil
	}

	tier, ok, err := s.users.ConsumeOneCredit(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("consume credit: %w", err)
	}
	if !ok {
		s.metrics.CreditDecision(DenialNoCredits)
		return Decision{Reason: DenialNoCredits}, nil
	}
	s.metrics.CreditDecision("authorized")
	return Decision{Authorized: true, Tier: tier}, nil
}

// Refund returns a consumed unit to the tier it came from.
func (s *CreditService) Refund(ctx context.Context, userID int64, d Decision) error {
	if !d.Authorized || d.Privileged {
		return nil
	}
	var err error
	switch d.Tier {
	case models.TierPriority:
		err = s.users.AdjustCredits(ctx, userID, 1, 0)
	case models.TierStandard:
		err = s.users.AdjustCredits(ctx, userID, 0, 1)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("refund credit: %w", err)
	}
	s.metrics.CreditDecision("refunded")
	s.log.Info("credit refunded", "user", userID, "tier", d.Tier)
	return nil
}
