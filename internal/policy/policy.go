// Package policy gates handler capabilities. The persisted AgentPolicy
// lists which capabilities need a preview, which need a 4-digit approval,
// and which are blocked outright under the safe profile. A LivePolicy wraps
// the data for lock-protected runtime checks and hot reload.
package policy

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Capabilities handlers may require.
const (
	CapExec            = "exec"
	CapAIShell         = "ai-shell"
	CapGmailSend       = "gmail.send"
	CapWorkspaceDelete = "workspace.delete"
	CapReboot          = "reboot"
	CapSelfUpdate      = "selfupdate"
)

var knownCapabilities = map[string]struct{}{
	CapExec:            {},
	CapAIShell:         {},
	CapGmailSend:       {},
	CapWorkspaceDelete: {},
	CapReboot:          {},
	CapSelfUpdate:      {},
}

// Security profiles.
const (
	ProfileSafe        = "safe"
	ProfileStandard    = "standard"
	ProfileFullControl = "full-control"
)

// AgentPolicy is the serializable policy document. Missing fields fall
// back to defaults on load.
type AgentPolicy struct {
	Version          int      `json:"version"`
	PreviewRequired  []string `json:"previewRequired"`
	ApprovalRequired []string `json:"approvalRequired"`
	BlockInSafeMode  []string `json:"blockInSafeMode"`
}

// Default requires approval for shell-grade capabilities, previews for
// destructive file operations, and blocks everything dangerous under the
// safe profile.
func Default() AgentPolicy {
	return AgentPolicy{
		Version:          1,
		PreviewRequired:  []string{CapWorkspaceDelete},
		ApprovalRequired: []string{CapExec, CapAIShell, CapReboot},
		BlockInSafeMode:  []string{CapExec, CapAIShell, CapReboot, CapSelfUpdate, CapWorkspaceDelete},
	}
}

// Load reads the policy JSON at path. A missing or empty file yields the
// default policy; a malformed one is an error so a bad edit cannot
// silently drop protections.
func Load(path string) (AgentPolicy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return AgentPolicy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := json.Unmarshal(data, &p); err != nil {
		return AgentPolicy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return AgentPolicy{}, err
	}
	return p, nil
}

func (p AgentPolicy) validate() error {
	for _, list := range [][]string{p.PreviewRequired, p.ApprovalRequired, p.BlockInSafeMode} {
		for _, capName := range list {
			capability := strings.ToLower(strings.TrimSpace(capName))
			if capability == "" {
				continue
			}
			if _, ok := knownCapabilities[capability]; !ok {
				return fmt.Errorf("unknown capability %q", capName)
			}
		}
	}
	return nil
}

func containsNormalized(slice []string, val string) bool {
	val = strings.ToLower(strings.TrimSpace(val))
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

// Verdict is the gate's answer for one capability check.
type Verdict int

const (
	Allow Verdict = iota
	Blocked
	PreviewRequired
	ApprovalRequired
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Blocked:
		return "blocked"
	case PreviewRequired:
		return "preview-required"
	case ApprovalRequired:
		return "approval-required"
	default:
		return "unknown"
	}
}

// Decide evaluates a capability under a security profile. Panic mode
// treats every safe-blocked capability as blocked regardless of profile.
// The empty capability is always allowed: read-only handlers carry none.
func (p AgentPolicy) Decide(capability, profile string, panicMode bool) Verdict {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return Allow
	}
	safeBlocked := containsNormalized(p.BlockInSafeMode, capability)
	if safeBlocked && (profile == ProfileSafe || panicMode) {
		return Blocked
	}
	if containsNormalized(p.ApprovalRequired, capability) && profile != ProfileFullControl {
		return ApprovalRequired
	}
	if containsNormalized(p.PreviewRequired, capability) && profile != ProfileFullControl {
		return PreviewRequired
	}
	return Allow
}

// Version hashes the policy content for audit records.
func (p AgentPolicy) PolicyVersion() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.Itoa(p.Version) + "|"))
	for _, list := range [][]string{p.PreviewRequired, p.ApprovalRequired, p.BlockInSafeMode} {
		for _, v := range list {
			_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
		_, _ = h.Write([]byte(";"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps an AgentPolicy with thread-safe reads and hot reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data AgentPolicy
	path string // file path for persistence; empty = no persistence
}

func NewLivePolicy(initial AgentPolicy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Decide is the thread-safe gate check used at runtime.
func (lp *LivePolicy) Decide(capability, profile string, panicMode bool) Verdict {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Decide(capability, profile, panicMode)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// Reload replaces the policy data.
func (lp *LivePolicy) Reload(p AgentPolicy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// ReloadFromFile updates the live policy only when the incoming file
// parses and validates. On error the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() AgentPolicy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.PreviewRequired = append([]string(nil), lp.data.PreviewRequired...)
	cp.ApprovalRequired = append([]string(nil), lp.data.ApprovalRequired...)
	cp.BlockInSafeMode = append([]string(nil), lp.data.BlockInSafeMode...)
	return cp
}

// Persist writes the current policy to its backing file, if any.
func (lp *LivePolicy) Persist() error {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	if lp.path == "" {
		return nil
	}
	out, err := json.MarshalIndent(&lp.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
