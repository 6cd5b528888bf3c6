package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the Telegram ingress settings.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// BridgeConfig holds the loopback HTTP bridge settings.
type BridgeConfig struct {
	BindAddr    string `yaml:"bind_addr"`
	MessagePath string `yaml:"message_path"`
	AuthToken   string `yaml:"auth_token"`
	MaxBodyKiB  int    `yaml:"max_body_kib"`
}

// RouterConfig holds the hybrid-router hyperparameters.
type RouterConfig struct {
	HybridAlpha    float64            `yaml:"hybrid_alpha"`
	MinScoreGap    float64            `yaml:"min_score_gap"`
	AlphaOverrides map[string]float64 `yaml:"alpha_overrides"`

	// A/B experiment knobs. SplitPercent 0 disables variant B.
	SplitPercent           int     `yaml:"split_percent"`
	VariantBAlpha          float64 `yaml:"variant_b_alpha"`
	VariantBMinGap         float64 `yaml:"variant_b_min_gap"`
	VariantBThresholdShift float64 `yaml:"variant_b_threshold_shift"`

	// Canary knobs: guard disables the canary after consecutive breaches.
	CanarySplitPercent      int     `yaml:"canary_split_percent"`
	CanaryMinAccuracy       float64 `yaml:"canary_min_accuracy"`
	CanaryBreachesToDisable int     `yaml:"canary_breaches_to_disable"`
	CanaryGuardIntervalSec  int     `yaml:"canary_guard_interval_sec"`

	// Shadow routing runs a parallel decision for a sample of requests
	// without affecting the served answer.
	ShadowEnabled       bool    `yaml:"shadow_enabled"`
	ShadowAlpha         float64 `yaml:"shadow_alpha"`
	ShadowMinGap        float64 `yaml:"shadow_min_gap"`
	ShadowSamplePercent int     `yaml:"shadow_sample_percent"`

	// Hard-negative miner.
	MinerIntervalSec    int `yaml:"miner_interval_sec"`
	MinerWindow         int `yaml:"miner_window"`
	MinerMaxNegPerRoute int `yaml:"miner_max_negatives_per_route"`
}

// AIConfig selects the chat-completion provider used for router fallback,
// sequence planning and smalltalk. Empty provider disables AI features.
type AIConfig struct {
	Provider string `yaml:"provider"` // "openai", "openai_compatible" or ""
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// TelemetryConfig controls the optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the complete, validated runtime configuration. Every field has
// a default; invalid values reject on startup with a precise error.
type Config struct {
	HomeDir string `yaml:"-"`

	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	WorkspaceDir   string  `yaml:"workspace_dir"`
	StateDBPath    string  `yaml:"state_db_path"`
	AuditLogPath   string  `yaml:"audit_log_path"`
	LogLevel       string  `yaml:"log_level"`

	// Ingress queue caps.
	QueueMaxPerChat int `yaml:"queue_max_per_chat"`
	QueueMaxTotal   int `yaml:"queue_max_total"`

	// Executor policy.
	HandlerTimeoutMs  int `yaml:"handler_timeout_ms"`
	BreakerThreshold  int `yaml:"breaker_threshold"`
	BreakerCooldownMs int `yaml:"breaker_cooldown_ms"`
	RetryAttempts     int `yaml:"retry_attempts"`
	RetryBaseMs       int `yaml:"retry_base_ms"`

	// TTLs and intervals.
	IdempotencyTTLHours int `yaml:"idempotency_ttl_hours"`
	ClarificationTTLSec int `yaml:"clarification_ttl_sec"`
	ApprovalTTLSec      int `yaml:"approval_ttl_sec"`
	SchedulePollSec     int `yaml:"schedule_poll_sec"`
	OutboxPollSec       int `yaml:"outbox_poll_sec"`
	OutboxMaxAttempts   int `yaml:"outbox_max_attempts"`
	DrainTimeoutSec     int `yaml:"drain_timeout_sec"`

	// SecurityProfile: "safe", "standard" or "full-control".
	SecurityProfile string `yaml:"security_profile"`

	// ProgressNotice sends "dame un momento..." when a handler runs long.
	ProgressNotice bool `yaml:"progress_notice"`

	Router    RouterConfig    `yaml:"router"`
	AI        AIConfig        `yaml:"ai"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HomeDir resolves the data directory, honoring MAYORDOMO_HOME.
func HomeDir() string {
	if override := os.Getenv("MAYORDOMO_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mayordomo")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		QueueMaxPerChat:     30,
		QueueMaxTotal:       400,
		HandlerTimeoutMs:    int((45 * time.Second).Milliseconds()),
		BreakerThreshold:    3,
		BreakerCooldownMs:   int((60 * time.Second).Milliseconds()),
		RetryAttempts:       3,
		RetryBaseMs:         400,
		IdempotencyTTLHours: 24,
		ClarificationTTLSec: int((5 * time.Minute).Seconds()),
		ApprovalTTLSec:      int((5 * time.Minute).Seconds()),
		SchedulePollSec:     15,
		OutboxPollSec:       10,
		OutboxMaxAttempts:   8,
		DrainTimeoutSec:     10,
		SecurityProfile:     "standard",
		ProgressNotice:      true,
		Router: RouterConfig{
			HybridAlpha:             0.55,
			MinScoreGap:             0.06,
			SplitPercent:            0,
			VariantBAlpha:           0.66,
			VariantBMinGap:          0.08,
			CanaryMinAccuracy:       0.72,
			CanaryBreachesToDisable: 3,
			CanaryGuardIntervalSec:  300,
			ShadowSamplePercent:     10,
			MinerIntervalSec:        900,
			MinerWindow:             500,
			MinerMaxNegPerRoute:     12,
		},
		Bridge: BridgeConfig{
			BindAddr:    "127.0.0.1:18790",
			MessagePath: "/internal/cli/message",
			MaxBodyKiB:  256,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "mayordomo",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml, applies env overrides, normalizes derived paths
// and validates every bounded field.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mayordomo home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("MAYORDOMO_BRIDGE_TOKEN"); raw != "" {
		cfg.Bridge.AuthToken = raw
	}
	if raw := os.Getenv("MAYORDOMO_BIND_ADDR"); raw != "" {
		cfg.Bridge.BindAddr = raw
	}
	if raw := os.Getenv("MAYORDOMO_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MAYORDOMO_SECURITY_PROFILE"); raw != "" {
		cfg.SecurityProfile = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = raw
	}
	if raw := os.Getenv("MAYORDOMO_ALLOWED_USER_IDS"); raw != "" {
		var ids []int64
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if v, err := strconv.ParseInt(part, 10, 64); err == nil {
				ids = append(ids, v)
			}
		}
		if len(ids) > 0 {
			cfg.AllowedUserIDs = ids
		}
	}
}

func normalize(cfg *Config) {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.StateDBPath == "" {
		cfg.StateDBPath = filepath.Join(cfg.HomeDir, "mayordomo.db")
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = filepath.Join(cfg.HomeDir, "logs", "audit.jsonl")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Bridge.MessagePath == "" {
		cfg.Bridge.MessagePath = "/internal/cli/message"
	}
	if !strings.HasPrefix(cfg.Bridge.MessagePath, "/") {
		cfg.Bridge.MessagePath = "/" + cfg.Bridge.MessagePath
	}
}

// Validate rejects out-of-bound values with precise errors.
func (c Config) Validate() error {
	if len(c.AllowedUserIDs) == 0 {
		return fmt.Errorf("allowed_user_ids must name at least one user")
	}
	if c.QueueMaxPerChat < 1 || c.QueueMaxPerChat > 1000 {
		return fmt.Errorf("queue_max_per_chat %d out of range [1,1000]", c.QueueMaxPerChat)
	}
	if c.QueueMaxTotal < c.QueueMaxPerChat {
		return fmt.Errorf("queue_max_total %d must be >= queue_max_per_chat %d", c.QueueMaxTotal, c.QueueMaxPerChat)
	}
	if c.HandlerTimeoutMs < 100 {
		return fmt.Errorf("handler_timeout_ms %d too small (min 100)", c.HandlerTimeoutMs)
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts %d out of range [1,10]", c.RetryAttempts)
	}
	if c.RetryBaseMs < 1 {
		return fmt.Errorf("retry_base_ms %d must be positive", c.RetryBaseMs)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker_threshold %d must be positive", c.BreakerThreshold)
	}
	switch c.SecurityProfile {
	case "safe", "standard", "full-control":
	default:
		return fmt.Errorf("security_profile %q must be one of safe|standard|full-control", c.SecurityProfile)
	}
	if a := c.Router.HybridAlpha; a < 0.05 || a > 0.95 {
		return fmt.Errorf("router.hybrid_alpha %.2f out of range [0.05,0.95]", a)
	}
	if g := c.Router.MinScoreGap; g < 0 || g > 0.5 {
		return fmt.Errorf("router.min_score_gap %.2f out of range [0,0.5]", g)
	}
	for name, a := range c.Router.AlphaOverrides {
		if a < 0.05 || a > 0.95 {
			return fmt.Errorf("router.alpha_overrides[%s] %.2f out of range [0.05,0.95]", name, a)
		}
	}
	if p := c.Router.SplitPercent; p < 0 || p > 100 {
		return fmt.Errorf("router.split_percent %d out of range [0,100]", p)
	}
	if p := c.Router.ShadowSamplePercent; p < 0 || p > 100 {
		return fmt.Errorf("router.shadow_sample_percent %d out of range [0,100]", p)
	}
	if p := c.Router.CanarySplitPercent; p < 0 || p > 100 {
		return fmt.Errorf("router.canary_split_percent %d out of range [0,100]", p)
	}
	if c.Bridge.MaxBodyKiB < 1 || c.Bridge.MaxBodyKiB > 4096 {
		return fmt.Errorf("bridge.max_body_kib %d out of range [1,4096]", c.Bridge.MaxBodyKiB)
	}
	if _, _, err := net.SplitHostPort(c.Bridge.BindAddr); err != nil {
		return fmt.Errorf("bridge.bind_addr %q: %w", c.Bridge.BindAddr, err)
	}
	return nil
}

// AllowedUser reports whether the given user id may talk to the agent.
func (c Config) AllowedUser(userID int64) bool {
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// LoopbackBind reports whether the bridge binds to a loopback interface.
func (c Config) LoopbackBind() bool {
	host, _, err := net.SplitHostPort(c.Bridge.BindAddr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

// HandlerTimeout returns the handler timeout as a duration.
func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutMs) * time.Millisecond
}

// BreakerCooldown returns the circuit-breaker cooldown as a duration.
func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMs) * time.Millisecond
}

// RetryBase returns the retry base delay as a duration.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

// IdempotencyTTL returns the idempotency TTL as a duration.
func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

// ClarificationTTL returns the pending-clarification TTL as a duration.
func (c Config) ClarificationTTL() time.Duration {
	return time.Duration(c.ClarificationTTLSec) * time.Second
}

// ApprovalTTL returns the pending-approval TTL as a duration.
func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSec) * time.Second
}

// DrainTimeout returns the shutdown drain window as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSec) * time.Second
}

// Fingerprint returns a stable short hash of the knobs that affect routing,
// used to tag audit records with the active configuration.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "users=%d|bind=%s|profile=%s|alpha=%.3f|gap=%.3f|split=%d",
		len(c.AllowedUserIDs), c.Bridge.BindAddr, c.SecurityProfile,
		c.Router.HybridAlpha, c.Router.MinScoreGap, c.Router.SplitPercent)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
