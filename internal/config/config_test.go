package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesTokenLedgerInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "TOKEN_LEDGER_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "TOKEN_LEDGER_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "FREE_DAILY_TOKENS")
	unsetEnvWithCleanup(t, "PRO_ROLLOVER_CAP")
	unsetEnvWithCleanup(t, "DEDUCT_RATE_LIMIT_PER_MINUTE")
	unsetEnvWithCleanup(t, "POOL_EXPIRY_SCHEDULE")
	unsetEnvWithCleanup(t, "PERIOD_ROLLOVER_SCHEDULE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.FreeDailyTokens != 50 {
		t.Fatalf("expected default FreeDailyTokens 50, got %d", cfg.FreeDailyTokens)
	}
	if cfg.ProRolloverCap != 1000 {
		t.Fatalf("expected default ProRolloverCap 1000, got %d", cfg.ProRolloverCap)
	}
	if cfg.DeductRateLimitPerMinute != 60 {
		t.Fatalf("expected default DeductRateLimitPerMinute 60, got %d", cfg.DeductRateLimitPerMinute)
	}
	if cfg.PoolExpirySchedule != "@hourly" {
		t.Fatalf("expected default pool expiry schedule, got %q", cfg.PoolExpirySchedule)
	}
	if cfg.HistoryDefaultPageSize != 50 || cfg.HistoryMaxPageSize != 200 {
		t.Fatalf("expected default history page sizes 50/200, got %d/%d", cfg.HistoryDefaultPageSize, cfg.HistoryMaxPageSize)
	}
}

func TestLoadConfig_NegativeAmountsCoercedToZero(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "FREE_DAILY_TOKENS", "-10")
	setEnvWithCleanup(t, "PRO_ROLLOVER_CAP", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.FreeDailyTokens != 0 {
		t.Fatalf("expected negative FreeDailyTokens to coerce to 0, got %d", cfg.FreeDailyTokens)
	}
	if cfg.ProRolloverCap != 0 {
		t.Fatalf("expected negative ProRolloverCap to coerce to 0, got %d", cfg.ProRolloverCap)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
