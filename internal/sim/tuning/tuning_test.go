package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	doc := []byte(`
total_sessions: 4
agent_window_sec: 60
reactor:
  temp_threshold: 350
  delta_overclock: 3.5
economy:
  tax_rate: 0.25
`)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatal(err)
	}
	tune, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if tune.TotalSessions != 4 || tune.AgentWindowSec != 60 {
		t.Fatalf("top level: %+v", tune)
	}
	if tune.Reactor.TempThreshold != 350 || tune.Reactor.DeltaOverclock != 3.5 {
		t.Fatalf("reactor: %+v", tune.Reactor)
	}
	if tune.Economy.TaxRate != 0.25 {
		t.Fatalf("economy: %+v", tune.Economy)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestDefaultsAreConsistent(t *testing.T) {
	d := Defaults()
	if d.TotalSessions != 8 {
		t.Fatalf("sessions = %d", d.TotalSessions)
	}
	if d.Reactor.TempMin >= d.Reactor.TempThreshold || d.Reactor.TempThreshold >= d.Reactor.TempMax {
		t.Fatalf("reactor thresholds out of order: %+v", d.Reactor)
	}
	if d.Reactor.DeltaNormal >= 0 || d.Reactor.DeltaOverclock <= 0 {
		t.Fatalf("mode deltas: %+v", d.Reactor)
	}
}
