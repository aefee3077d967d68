package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/bot")
	t.Setenv("APIFREE_API_KEY", "key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.apifree.ai", cfg.APIFreeBaseURL)
	assert.Equal(t, "stable-diffusion-xl", cfg.APIFreeImageModel)
	assert.Equal(t, "runway-gen2", cfg.APIFreeVideoModel)
	assert.Equal(t, 120, cfg.ImagePollAttempts)
	assert.Equal(t, 180, cfg.VideoPollAttempts)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 3500, cfg.FailureDetailLimit)
	assert.Equal(t, 2, cfg.FreeCreditsOnSignup)
	assert.Equal(t, 1, cfg.RefBonusReferrer)
	assert.Equal(t, 1, cfg.RefBonusNewUser)
	assert.Empty(t, cfg.AdminIDs)
	assert.Empty(t, cfg.WebhookURL())
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("CONFIG_ENV_PATH", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("APIFREE_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	assert.Contains(t, err.Error(), "APIFREE_API_KEY")
}

func TestLoadAdminIDsAndWebhook(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_IDS", " 10, 20 ,,30")
	t.Setenv("PUBLIC_BASE_URL", "https://bot.example.com/")
	t.Setenv("WEBHOOK_SECRET", "s3cr3t")
	t.Setenv("APIFREE_BASE_URL", "api.apifree.ai/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20, 30}, cfg.AdminIDs)
	assert.Equal(t, "https://bot.example.com/telegram/webhook/s3cr3t", cfg.WebhookURL())
	assert.Equal(t, "https://bot.example.com/webapp/", cfg.MiniAppURL())
	assert.Equal(t, "https://api.apifree.ai", cfg.APIFreeBaseURL)
}

func TestLoadRejectsBadAdminIDs(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_IDS", "1,abc")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "bot.env")
	require.NoError(t, os.WriteFile(path, []byte("IMAGE_POLL_ATTEMPTS=7\nVIDEO_POLL_ATTEMPTS=9\n"), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)
	t.Setenv("IMAGE_POLL_ATTEMPTS", "")
	t.Setenv("VIDEO_POLL_ATTEMPTS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ImagePollAttempts)
	assert.Equal(t, 9, cfg.VideoPollAttempts)
}

func TestLoadS3RequiresCredentialsWhenBucketSet(t *testing.T) {
	setRequired(t)
	t.Setenv("S3_BUCKET", "refs")
	t.Setenv("S3_REGION", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_REGION")
}
