package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/engine"
)

// PolicyProfile is a named amendment-policy configuration: response
// windows, per-ticket-type forced outcomes, and the default
// cancellation fee for new contracts.
type PolicyProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Windows    WindowsConfig    `yaml:"windows" json:"windows"`
	Expiry     ExpiryConfig     `yaml:"expiry" json:"expiry"`
	DefaultFee DefaultFeeConfig `yaml:"default_fee" json:"default_fee"`
}

// WindowsConfig holds response and counterproof windows as Go duration
// strings ("72h", "30m").
type WindowsConfig struct {
	Response string `yaml:"response" json:"response"`
	Counter  string `yaml:"counter" json:"counter"`
}

// ExpiryConfig names the forced outcome applied per ticket type when a
// response window elapses: "favorRequester", "favorCounterparty" or
// "escalate".
type ExpiryConfig struct {
	Cancellation string `yaml:"cancellation" json:"cancellation"`
	Revision     string `yaml:"revision" json:"revision"`
	Change       string `yaml:"change" json:"change"`
}

// DefaultFeeConfig is the cancellation-fee policy applied to contracts
// created without an explicit one.
type DefaultFeeConfig struct {
	Kind   string `yaml:"kind" json:"kind"` // "flat" | "percent"
	Amount int64  `yaml:"amount" json:"amount"`
}

// LoadProfile loads a policy profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*PolicyProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile PolicyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*PolicyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*PolicyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile PolicyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_default.yaml -> default
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Policies converts the profile to engine policies, falling back to
// the engine defaults for any field left empty, and validates the
// result.
func (p *PolicyProfile) Policies() (engine.Policies, error) {
	out := engine.DefaultPolicies()

	if p.Windows.Response != "" {
		d, err := time.ParseDuration(p.Windows.Response)
		if err != nil {
			return engine.Policies{}, fmt.Errorf("profile %q: response window: %w", p.Code, err)
		}
		out.ResponseWindow = d
	}
	if p.Windows.Counter != "" {
		d, err := time.ParseDuration(p.Windows.Counter)
		if err != nil {
			return engine.Policies{}, fmt.Errorf("profile %q: counter window: %w", p.Code, err)
		}
		out.CounterWindow = d
	}
	if p.Expiry.Cancellation != "" {
		out.CancellationExpiry = engine.ForcedOutcome(p.Expiry.Cancellation)
	}
	if p.Expiry.Revision != "" {
		out.RevisionExpiry = engine.ForcedOutcome(p.Expiry.Revision)
	}
	if p.Expiry.Change != "" {
		out.ChangeExpiry = engine.ForcedOutcome(p.Expiry.Change)
	}

	if err := out.Validate(); err != nil {
		return engine.Policies{}, fmt.Errorf("profile %q: %w", p.Code, err)
	}
	return out, nil
}

// FeePolicy converts the profile's default fee, or the zero value when
// none is configured.
func (p *PolicyProfile) FeePolicy() (contracts.FeePolicy, bool) {
	if p.DefaultFee.Kind == "" {
		return contracts.FeePolicy{}, false
	}
	return contracts.FeePolicy{
		Kind:   contracts.FeePolicyKind(p.DefaultFee.Kind),
		Amount: p.DefaultFee.Amount,
	}, true
}
