package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/engine"
)

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadProfile_Strict(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict", `
name: Strict
windows:
  response: 24h
  counter: 48h
expiry:
  cancellation: escalate
  revision: favorCounterparty
  change: favorRequester
default_fee:
  kind: percent
  amount: 10
`)

	p, err := LoadProfile(dir, "strict")
	if err != nil {
		t.Fatalf("LoadProfile(strict): %v", err)
	}
	if p.Name != "Strict" {
		t.Errorf("expected name 'Strict', got %q", p.Name)
	}
	if p.Code != "strict" {
		t.Errorf("code should fall back to filename, got %q", p.Code)
	}

	pol, err := p.Policies()
	if err != nil {
		t.Fatalf("Policies: %v", err)
	}
	if pol.ResponseWindow != 24*time.Hour {
		t.Errorf("expected 24h response window, got %v", pol.ResponseWindow)
	}
	if pol.CounterWindow != 48*time.Hour {
		t.Errorf("expected 48h counter window, got %v", pol.CounterWindow)
	}
	if pol.CancellationExpiry != engine.ForceEscalate {
		t.Errorf("expected escalate on cancellation expiry, got %q", pol.CancellationExpiry)
	}
	if pol.RevisionExpiry != engine.ForceFavorCounterparty {
		t.Errorf("expected favorCounterparty on revision expiry, got %q", pol.RevisionExpiry)
	}

	fee, ok := p.FeePolicy()
	if !ok {
		t.Fatal("expected a default fee policy")
	}
	if fee.Kind != contracts.FeePercent || fee.Amount != 10 {
		t.Errorf("expected 10%% fee, got %+v", fee)
	}
}

func TestProfile_EmptyFieldsKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "minimal", "name: Minimal\n")

	p, err := LoadProfile(dir, "minimal")
	if err != nil {
		t.Fatalf("LoadProfile(minimal): %v", err)
	}
	pol, err := p.Policies()
	if err != nil {
		t.Fatalf("Policies: %v", err)
	}
	if pol != engine.DefaultPolicies() {
		t.Errorf("empty profile should keep defaults, got %+v", pol)
	}
	if _, ok := p.FeePolicy(); ok {
		t.Error("empty profile should have no default fee")
	}
}

func TestProfile_ChangeEscalateRejected(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad", `
expiry:
  change: escalate
`)

	p, err := LoadProfile(dir, "bad")
	if err != nil {
		t.Fatalf("LoadProfile(bad): %v", err)
	}
	if _, err := p.Policies(); err == nil {
		t.Error("change tickets cannot escalate; expected validation error")
	}
}

func TestProfile_BadDuration(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dur", `
windows:
  response: three days
`)

	p, err := LoadProfile(dir, "dur")
	if err != nil {
		t.Fatalf("LoadProfile(dur): %v", err)
	}
	if _, err := p.Policies(); err == nil {
		t.Error("expected duration parse error")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "default", "name: Default\n")
	writeProfile(t, dir, "strict", "name: Strict\ncode: strict\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Error("expected error for missing profile")
	}
}
