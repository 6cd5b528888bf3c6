// Package doctor runs the operator-facing diagnostic checks behind the
// `mayordomo doctor` subcommand: configuration, state store, credentials,
// workspace permissions and network reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/almacen/mayordomo/internal/config"
	"github.com/almacen/mayordomo/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings still count as healthy.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks against the loaded configuration.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkStore,
		checkWorkspace,
		checkTelegram,
		checkAIProvider,
		checkBridge,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: fmt.Sprintf("validation: %v", err)}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("loaded from %s (%d allowed users)", cfg.HomeDir, len(cfg.AllowedUserIDs)),
	}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "StateStore", Status: "SKIP", Message: "config missing"}
	}
	st, err := store.Open(cfg.StateDBPath)
	if err != nil {
		return CheckResult{Name: "StateStore", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer st.Close()

	// One real query exercises schema and WAL access.
	if _, err := st.DueTasks(ctx, 1); err != nil {
		return CheckResult{Name: "StateStore", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "StateStore", Status: "PASS", Message: "connection and schema valid", Detail: cfg.StateDBPath}
}

func checkWorkspace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace", Status: "SKIP", Message: "config missing"}
	}
	info, err := os.Stat(cfg.WorkspaceDir)
	if err != nil {
		return CheckResult{Name: "Workspace", Status: "FAIL", Message: fmt.Sprintf("stat: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Workspace", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.WorkspaceDir)}
	}
	probe := filepath.Join(cfg.WorkspaceDir, ".write_probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return CheckResult{Name: "Workspace", Status: "FAIL", Message: fmt.Sprintf("not writable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Workspace", Status: "PASS", Message: "directory writable", Detail: cfg.WorkspaceDir}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "config missing"}
	}
	if !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "channel disabled"}
	}
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return CheckResult{Name: "Telegram", Status: "FAIL", Message: "telegram.token is empty"}
	}
	// Bot tokens look like "<digits>:<35 base64ish chars>". A malformed
	// token fails at first poll; catching it here is friendlier.
	id, rest, found := strings.Cut(token, ":")
	if !found || id == "" || len(rest) < 30 {
		return CheckResult{Name: "Telegram", Status: "WARN", Message: "token does not look like a bot token"}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: "token present"}
}

func checkAIProvider(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "AI Provider", Status: "SKIP", Message: "config missing"}
	}
	if cfg.AI.Provider == "" {
		return CheckResult{
			Name:    "AI Provider",
			Status:  "WARN",
			Message: "no provider configured; AI routing fallback and sequence splitting disabled",
		}
	}
	if cfg.AI.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		return CheckResult{
			Name:    "AI Provider",
			Status:  "WARN",
			Message: fmt.Sprintf("provider %q configured but no API key found", cfg.AI.Provider),
			Detail:  "set ai.api_key or OPENAI_API_KEY",
		}
	}
	return CheckResult{Name: "AI Provider", Status: "PASS", Message: fmt.Sprintf("provider %q with key", cfg.AI.Provider)}
}

func checkBridge(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bridge", Status: "SKIP", Message: "config missing"}
	}
	if cfg.Bridge.AuthToken == "" {
		return CheckResult{Name: "Bridge", Status: "FAIL", Message: "bridge.auth_token is empty"}
	}
	if !cfg.LoopbackBind() {
		return CheckResult{
			Name:    "Bridge",
			Status:  "WARN",
			Message: fmt.Sprintf("binding %s exposes the bridge beyond loopback", cfg.Bridge.BindAddr),
		}
	}
	return CheckResult{Name: "Bridge", Status: "PASS", Message: fmt.Sprintf("loopback bind %s", cfg.Bridge.BindAddr)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "config missing"}
	}
	host := "api.telegram.org"
	if !cfg.Telegram.Enabled {
		if cfg.AI.Provider == "" {
			return CheckResult{Name: "Network", Status: "SKIP", Message: "no external endpoints configured"}
		}
		host = "api.openai.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
