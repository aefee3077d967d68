package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/CreatorBot/internal/models"
)

func TestEnsureAppliesReferralOnce(t *testing.T) {
	users := newFakeUsers(models.User{ID: 7})
	svc := NewUserService(testConfig(), discardLogger(), users)
	contact := Contact{ID: 42, Username: "kris", FirstName: "Kristina", StartPayload: "ref_7"}

	user, created, err := svc.Ensure(context.Background(), contact)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, user.CreditsStandard)
	require.NotNil(t, user.ReferredBy)
	assert.Equal(t, int64(7), *user.ReferredBy)
	assert.Equal(t, 1, users.snapshot(7).CreditsPriority)

	user, created, err = svc.Ensure(context.Background(), contact)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 3, user.CreditsStandard)
	assert.Equal(t, 1, users.snapshot(7).CreditsPriority)
}

func TestEnsureIgnoresInvalidReferrals(t *testing.T) {
	cases := map[string]string{
		"self":    "ref_42",
		"unknown": "ref_8",
		"garbage": "ref_abc",
		"none":    "",
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			users := newFakeUsers(models.User{ID: 7})
			svc := NewUserService(testConfig(), discardLogger(), users)

			user, created, err := svc.Ensure(context.Background(), Contact{ID: 42, StartPayload: payload})
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, 2, user.CreditsStandard)
			assert.Nil(t, user.ReferredBy)
			assert.Equal(t, 0, users.snapshot(7).CreditsPriority)
		})
	}
}

func TestEnsureRefreshesDisplayFieldsOnly(t *testing.T) {
	users := newFakeUsers(models.User{ID: 42, Username: "old", CreditsStandard: 1})
	svc := NewUserService(testConfig(), discardLogger(), users)

	user, created, err := svc.Ensure(context.Background(), Contact{ID: 42, Username: "new", FirstName: "K"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "new", user.Username)

	stored := users.snapshot(42)
	assert.Equal(t, "new", stored.Username)
	assert.Equal(t, 1, stored.CreditsStandard)
}

func TestParseReferral(t *testing.T) {
	id, ok := ParseReferral("ref_123")
	assert.True(t, ok)
	assert.Equal(t, int64(123), id)

	for _, bad := range []string{"", "ref_", "ref_-1", "promo_5", "ref_1x"} {
		_, ok := ParseReferral(bad)
		assert.False(t, ok, bad)
	}
}

func TestReferralLink(t *testing.T) {
	svc := NewUserService(testConfig(), discardLogger(), newFakeUsers())
	assert.Equal(t, "https://t.me/creator_bot?start=ref_42", svc.ReferralLink(42))

	cfg := testConfig()
	cfg.BotUsername = ""
	assert.Empty(t, NewUserService(cfg, discardLogger(), newFakeUsers()).ReferralLink(42))
}
