package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/digkill/CreatorBot/internal/config"
	"github.com/digkill/CreatorBot/internal/models"
)

const referralPrefix = "ref_"

// Contact is what the chat surface knows about whoever just wrote to the bot.
type Contact struct {
	ID           int64
	Username     string
	FirstName    string
	StartPayload string
}

type UserService struct {
	cfg   config.Config
	log   *slog.Logger
	users UserStore
}

func NewUserService(cfg config.Config, log *slog.Logger, users UserStore) *UserService {
	return &UserService{cfg: cfg, log: log, users: users}
}

// Ensure creates the user on first contact and refreshes display fields afterwards.
// A valid referral pays both sides once; replays of the first contact hit the
// existing row and pay nothing.
func (s *UserService) Ensure(ctx context.Context, c Contact) (*models.User, bool, error) {
	existing, err := s.users.Get(ctx, c.ID)
	if err != nil {
		return nil, false, fmt.Errorf("get user: %w", err)
	}
	if existing != nil {
		if existing.Username != c.Username || existing.FirstName != c.FirstName {
			if err := s.users.UpdateProfile(ctx, c.ID, c.Username, c.FirstName); err != nil {
				s.log.Warn("refresh profile failed", "user", c.ID, "err", err)
			} else {
				existing.Username, existing.FirstName = c.Username, c.FirstName
			}
		}
		return existing, false, nil
	}

	user := &models.User{
		ID:              c.ID,
		Username:        c.Username,
		FirstName:       c.FirstName,
		CreditsStandard: s.cfg.FreeCreditsOnSignup,
	}
	referrerBonus := 0
	if referrer, ok := ParseReferral(c.StartPayload); ok && referrer != c.ID {
		ref, err := s.users.Get(ctx, referrer)
		if err != nil {
			return nil, false, fmt.Errorf("get referrer: %w", err)
		}
		if ref != nil {
			user.ReferredBy = &referrer
			user.CreditsStandard += s.cfg.RefBonusNewUser
			referrerBonus = s.cfg.RefBonusReferrer
		}
	}

	created, inserted, err := s.users.Create(ctx, user, referrerBonus)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	if inserted {
		s.log.Info("user registered", "user", c.ID, "referred_by", user.ReferredBy != nil)
	}
	return created, inserted, nil
}

func (s *UserService) Get(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *UserService) AdjustCredits(ctx context.Context, id int64, priorityDelta, standardDelta int) error {
	if err := s.users.AdjustCredits(ctx, id, priorityDelta, standardDelta); err != nil {
		return fmt.Errorf("adjust credits: %w", err)
	}
	return nil
}

func (s *UserService) ListIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

// ReferralLink is the deep link a user shares; empty when the bot username is unknown.
func (s *UserService) ReferralLink(id int64) string {
	if s.cfg.BotUsername == "" {
		return ""
	}
	return fmt.Sprintf("https://t.me/%s?start=%s%d", s.cfg.BotUsername, referralPrefix, id)
}

// ParseReferral reads a /start payload of the form ref_<id>.
func ParseReferral(payload string) (int64, bool) {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, referralPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(payload, referralPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
