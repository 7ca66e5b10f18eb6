package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BotToken != "test-token" {
		t.Errorf("BotToken = %q; want %q", cfg.BotToken, "test-token")
	}
	if cfg.InitialTokens != 480 {
		t.Errorf("InitialTokens = %d; want 480", cfg.InitialTokens)
	}
	if cfg.RuntimePoolSize != 10 {
		t.Errorf("RuntimePoolSize = %d; want 10", cfg.RuntimePoolSize)
	}
	if cfg.QueueIdleSeconds != 300 {
		t.Errorf("QueueIdleSeconds = %d; want 300", cfg.QueueIdleSeconds)
	}
	if cfg.BillingPeriod != 60 {
		t.Errorf("BillingPeriod = %d; want 60", cfg.BillingPeriod)
	}
}

func TestLoad_MissingToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() expected error for missing bot token")
	}
}

func TestLoad_Admins(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "x")
	t.Setenv("TERMBOT_ADMINS", "100, 200 ,300,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []string{"100", "200", "300"}
	if len(cfg.Admins) != len(want) {
		t.Fatalf("Admins = %v; want %v", cfg.Admins, want)
	}
	for i := range want {
		if cfg.Admins[i] != want[i] {
			t.Errorf("Admins[%d] = %q; want %q", i, cfg.Admins[i], want[i])
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "x")
	t.Setenv("TERMBOT_INITIAL_TOKENS", "1000")
	t.Setenv("TERMBOT_RUNTIME_POOL_SIZE", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InitialTokens != 1000 {
		t.Errorf("InitialTokens = %d; want 1000", cfg.InitialTokens)
	}
	if cfg.RuntimePoolSize != 3 {
		t.Errorf("RuntimePoolSize = %d; want 3", cfg.RuntimePoolSize)
	}
}
