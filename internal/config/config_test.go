package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, "evore4Qvtjz4HSNMg8SVZpKyPMFe2TsLUNfhRJ1B7Wg9", cfg.Solana.GameProgramID)
	assert.Equal(t, 10.0, cfg.Solana.RPS)
	assert.Equal(t, 1000, cfg.Solana.SignaturePageLimit)
	assert.Equal(t, VerifyPolicyBlock, cfg.Workflow.VerifyPolicy)
	assert.Equal(t, 8080, cfg.Server.AdminPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.False(t, cfg.Backfill.Enabled)
	assert.Equal(t, 1, cfg.Queue.AutomationWorkers)
	assert.Equal(t, 10, cfg.Queue.AutomationMaxPages)
	assert.Equal(t, 10*time.Minute, cfg.Queue.AutomationStaleAfter)
	assert.Equal(t, 15*time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SOLANA_RPC_RPS", "2.5")
	t.Setenv("VERIFY_POLICY", "warn")
	t.Setenv("ADMIN_PORT", "9999")
	t.Setenv("ACTION_POLL_INTERVAL_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Solana.RPS)
	assert.Equal(t, VerifyPolicyWarn, cfg.Workflow.VerifyPolicy)
	assert.Equal(t, 9999, cfg.Server.AdminPort)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.ActionPollInterval)
}

func TestLoad_InvalidVerifyPolicy(t *testing.T) {
	t.Setenv("VERIFY_POLICY", "ignore")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VERIFY_POLICY")
}

func TestLoad_BackfillRequiresFeed(t *testing.T) {
	t.Setenv("BACKFILL_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROUND_FEED_URL")
}

func TestLoad_BackfillRangeOrder(t *testing.T) {
	t.Setenv("BACKFILL_ENABLED", "true")
	t.Setenv("ROUND_FEED_URL", "http://feed.local")
	t.Setenv("BACKFILL_START_ROUND", "100")
	t.Setenv("BACKFILL_END_ROUND", "50")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKFILL_END_ROUND")
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG", "yes")
	assert.True(t, getEnvBool("FLAG", false))

	t.Setenv("FLAG", "off")
	assert.False(t, getEnvBool("FLAG", true))

	t.Setenv("FLAG", "garbage")
	assert.True(t, getEnvBool("FLAG", true), "unparseable values fall back")
}

func TestGetEnvInt_BadValueFallsBack(t *testing.T) {
	t.Setenv("NUM", "not-a-number")
	assert.Equal(t, 7, getEnvInt("NUM", 7))
}
