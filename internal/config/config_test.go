package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pulseline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dispatch.BatchSize != 50 {
		t.Fatalf("expected batch size 50, got %d", cfg.Dispatch.BatchSize)
	}
	if cfg.Dispatch.ActionTimeout.Duration != 30*time.Second {
		t.Fatalf("unexpected action timeout %s", cfg.Dispatch.ActionTimeout)
	}
	if cfg.Settings.Intensity != domain.IntensityMedium || !cfg.Settings.Enabled {
		t.Fatalf("unexpected settings %+v", cfg.Settings)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("timezone: Europe/Paris\ndispatch:\n  workers: 8\nsettings:\n  enabled: false\n  intensity: high\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.BatchSize != 50 {
		t.Fatalf("unexpected dispatch %+v", cfg.Dispatch)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Paris" {
		t.Fatalf("location: %v %v", loc, err)
	}
	if cfg.Settings.Enabled || cfg.Settings.Intensity != domain.IntensityHigh {
		t.Fatalf("unexpected settings %+v", cfg.Settings)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"intensity": "settings:\n  intensity: extreme\n",
		"timezone":  "timezone: Mars/Olympus\n",
		"claim":     "dispatch:\n  claim_ttl: 1s\n",
		"claim_eq":  "dispatch:\n  action_timeout: 30s\n  claim_ttl: 30s\n",
		"duration":  "dispatch:\n  action_timeout: soon\n",
		"workers":   "dispatch:\n  workers: 0\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load missing: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pulseline.yml"), []byte("scan:\n  batch: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scan.Batch != 7 {
		t.Fatalf("expected batch 7, got %d", cfg.Scan.Batch)
	}
	if !strings.Contains(GenerateDefault(), "batch_size: 50") {
		t.Fatalf("template missing dispatch defaults")
	}
}
