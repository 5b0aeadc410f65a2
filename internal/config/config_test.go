package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, `
network:
  ip: 127.0.0.1
  port: 9000
  neighbors: "127.0.0.1:9001 127.0.0.1:9002"
  subnet: 127.0.0.1/24
scenario:
  name: test-scenario
  rounds: 10
  controller: "none"
training:
  epochs: 3
  learning_rate: 0.01
aggregator:
  algorithm: TrimmedMean
  aggregation_timeout: "45s"
  trim_beta: 0.2
  trim_rounding: ceil
defense:
  with_reputation: true
  weighting_factor: dynamic
  reputation_metrics: [model_similarity, num_messages]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.IP != "127.0.0.1" || cfg.Network.Port != 9000 {
		t.Fatalf("network = %+v", cfg.Network)
	}
	if len(cfg.Network.Neighbors) != 2 {
		t.Fatalf("neighbors = %v, want 2 entries", cfg.Network.Neighbors)
	}
	if cfg.Scenario.Rounds != 10 {
		t.Fatalf("scenario.rounds = %d, want 10", cfg.Scenario.Rounds)
	}
	if cfg.Aggregator.AggregationTimeout != 45*time.Second {
		t.Fatalf("aggregation_timeout = %v, want 45s", cfg.Aggregator.AggregationTimeout)
	}
	if cfg.Aggregator.TrimRounding != TrimCeil {
		t.Fatalf("trim_rounding = %v, want ceil", cfg.Aggregator.TrimRounding)
	}
	if !cfg.Defense.WithReputation || cfg.Defense.WeightingFactor != WeightingDynamic {
		t.Fatalf("defense = %+v", cfg.Defense)
	}
}

func TestLoadDefaultsTrimRoundingToFloor(t *testing.T) {
	path := writeConfig(t, "network:\n  ip: 127.0.0.1\n  port: 9000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Aggregator.TrimRounding != TrimFloor {
		t.Fatalf("default trim_rounding = %v, want floor", cfg.Aggregator.TrimRounding)
	}
	if cfg.Aggregator.AggregationTimeout != 30*time.Second {
		t.Fatalf("default aggregation_timeout = %v, want 30s", cfg.Aggregator.AggregationTimeout)
	}
}

func TestLoadRejectsMissingNetwork(t *testing.T) {
	path := writeConfig(t, "scenario:\n  name: x\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing network.ip/port")
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	path := writeConfig(t, "version: 99\nnetwork:\n  ip: 127.0.0.1\n  port: 9000\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for config version newer than supported")
	}
}

func TestLoadRejectsWorldReadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte("network:\n  ip: 127.0.0.1\n  port: 9000\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected permission error for world-readable config file")
	}
}
