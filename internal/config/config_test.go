package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validTestConfig() Config {
	cfg := defaultConfig()
	cfg.HomeDir = "/tmp/mayordomo-test"
	cfg.AllowedUserIDs = []int64{1001}
	normalize(&cfg)
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_RequiresAllowedUsers(t *testing.T) {
	cfg := validTestConfig()
	cfg.AllowedUserIDs = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty allowed_user_ids")
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"per-chat cap zero", func(c *Config) { c.QueueMaxPerChat = 0 }},
		{"total below per-chat", func(c *Config) { c.QueueMaxTotal = c.QueueMaxPerChat - 1 }},
		{"tiny handler timeout", func(c *Config) { c.HandlerTimeoutMs = 50 }},
		{"too many retries", func(c *Config) { c.RetryAttempts = 99 }},
		{"unknown profile", func(c *Config) { c.SecurityProfile = "yolo" }},
		{"alpha out of range", func(c *Config) { c.Router.HybridAlpha = 1.5 }},
		{"gap out of range", func(c *Config) { c.Router.MinScoreGap = 0.9 }},
		{"bad alpha override", func(c *Config) { c.Router.AlphaOverrides = map[string]float64{"gmail": 2} }},
		{"split over 100", func(c *Config) { c.Router.SplitPercent = 101 }},
		{"bad bind addr", func(c *Config) { c.Bridge.BindAddr = "no-port" }},
		{"body cap zero", func(c *Config) { c.Bridge.MaxBodyKiB = 0 }},
	}
	for _, tc := range cases {
		cfg := validTestConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestNormalize_DerivesPaths(t *testing.T) {
	cfg := Config{HomeDir: "/srv/mayordomo"}
	normalize(&cfg)
	if cfg.WorkspaceDir != filepath.Join("/srv/mayordomo", "workspace") {
		t.Fatalf("workspace dir = %q", cfg.WorkspaceDir)
	}
	if cfg.StateDBPath != filepath.Join("/srv/mayordomo", "mayordomo.db") {
		t.Fatalf("state db path = %q", cfg.StateDBPath)
	}
	if cfg.Bridge.MessagePath != "/internal/cli/message" {
		t.Fatalf("message path = %q", cfg.Bridge.MessagePath)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "tok-from-env")
	t.Setenv("MAYORDOMO_ALLOWED_USER_IDS", "7, 8 ,9")
	t.Setenv("MAYORDOMO_SECURITY_PROFILE", "safe")

	cfg := defaultConfig()
	applyEnvOverrides(&cfg)

	if cfg.Telegram.Token != "tok-from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.AllowedUserIDs) != 3 || cfg.AllowedUserIDs[1] != 8 {
		t.Fatalf("allowed ids = %v", cfg.AllowedUserIDs)
	}
	if cfg.SecurityProfile != "safe" {
		t.Fatalf("profile = %q", cfg.SecurityProfile)
	}
}

func TestLoad_ReadsYAMLAndValidates(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MAYORDOMO_HOME", home)

	yaml := []byte(`
allowed_user_ids: [42]
security_profile: full-control
queue_max_per_chat: 10
router:
  hybrid_alpha: 0.7
  alpha_overrides:
    gmail: 0.8
`)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.AllowedUser(42) || cfg.AllowedUser(43) {
		t.Fatal("allowed user check wrong")
	}
	if cfg.SecurityProfile != "full-control" {
		t.Fatalf("profile = %q", cfg.SecurityProfile)
	}
	if cfg.QueueMaxPerChat != 10 {
		t.Fatalf("per-chat cap = %d", cfg.QueueMaxPerChat)
	}
	if cfg.Router.AlphaOverrides["gmail"] != 0.8 {
		t.Fatalf("override = %v", cfg.Router.AlphaOverrides)
	}
	// Untouched knobs keep defaults.
	if cfg.QueueMaxTotal != 400 {
		t.Fatalf("total cap = %d", cfg.QueueMaxTotal)
	}
}

func TestLoad_RejectsInvalidYAMLValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MAYORDOMO_HOME", home)

	yaml := []byte("allowed_user_ids: [42]\nsecurity_profile: nope\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoopbackBind(t *testing.T) {
	cfg := validTestConfig()
	if !cfg.LoopbackBind() {
		t.Fatal("default bind should be loopback")
	}
	cfg.Bridge.BindAddr = "0.0.0.0:18790"
	if cfg.LoopbackBind() {
		t.Fatal("0.0.0.0 is not loopback")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := validTestConfig()
	b := validTestConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("same config should fingerprint identically")
	}
	b.Router.HybridAlpha = 0.9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("alpha change should alter fingerprint")
	}
}
