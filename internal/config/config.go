// Package config loads corenode's per-node YAML configuration, using a
// two-pass pattern: an outer raw struct absorbs duration/size strings,
// which is then validated and converted into the typed Config this
// package exposes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion gates schema migrations; configs declaring a
// newer version are refused outright (internal/config/loader.go's
// ErrConfigVersionTooNew pattern).
const CurrentConfigVersion = 1

// WeightingFactor selects static vs. dynamic reputation-signal
// weighting (spec §6 defense.weighting_factor).
type WeightingFactor string

const (
	WeightingStatic  WeightingFactor = "static"
	WeightingDynamic WeightingFactor = "dynamic"
)

// TrimRounding controls how TrimmedMean rounds beta*n to an integer
// exclusion count.
type TrimRounding string

const (
	TrimFloor TrimRounding = "floor"
	TrimCeil  TrimRounding = "ceil"
)

// NetworkConfig is spec §6's "network" key group.
type NetworkConfig struct {
	IP        string   `yaml:"ip"`
	Port      int      `yaml:"port"`
	Neighbors []string `yaml:"neighbors"` // space-separated in YAML source, split during parse
	Subnet    string   `yaml:"subnet"`
}

// ScenarioConfig is spec §6's "scenario" key group. Role mirrors the
// original's device_args.role (original_source/nebula/core/engine.py):
// trainer, aggregator, trainer_aggregator, server, proxy, or idle.
type ScenarioConfig struct {
	Name       string `yaml:"name"`
	Rounds     int32  `yaml:"rounds"`
	Controller string `yaml:"controller"` // URL, or "none"
	Role       string `yaml:"role"`
}

// TrainingConfig is spec §6's "training" key group.
type TrainingConfig struct {
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
}

// AggregatorConfig is spec §6's "aggregator" key group.
type AggregatorConfig struct {
	Algorithm          string        `yaml:"algorithm"` // FedAvg|Median|TrimmedMean|Krum
	AggregationTimeout time.Duration `yaml:"-"`
	TrimBeta           float64       `yaml:"trim_beta"`
	TrimRounding       TrimRounding  `yaml:"trim_rounding"`
	KrumByzantineCount int           `yaml:"krum_byzantine_count"`
}

// DefenseConfig is spec §6's "defense" key group.
type DefenseConfig struct {
	WithReputation     bool            `yaml:"with_reputation"`
	ReputationMetrics  []string        `yaml:"reputation_metrics"`
	InitialReputation  float64         `yaml:"initial_reputation"`
	WeightingFactor    WeightingFactor `yaml:"weighting_factor"`
	StaticMessageCount float64         `yaml:"static_weight_message_count"`
	StaticLatency      float64         `yaml:"static_weight_arrival_latency"`
	StaticParamChange  float64         `yaml:"static_weight_param_change"`
	StaticSimilarity   float64         `yaml:"static_weight_similarity"`
}

// AdversarialConfig is spec §6's "adversarial" key group.
type AdversarialConfig struct {
	Attacks      []string               `yaml:"attacks"`
	AttackParams map[string]interface{} `yaml:"attack_params"`
}

// MobilityConfig is spec §6's "mobility" key group.
type MobilityConfig struct {
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	Mobile  bool    `yaml:"mobile"`
	Topology string `yaml:"topology"`
}

// Config is the fully parsed, typed per-node configuration.
type Config struct {
	Version     int
	Network     NetworkConfig
	Scenario    ScenarioConfig
	Training    TrainingConfig
	Aggregator  AggregatorConfig
	Defense     DefenseConfig
	Adversarial AdversarialConfig
	Mobility    MobilityConfig
}

// checkConfigFilePermissions refuses a group/world-readable config
// file: corenode configs carry controller URLs and neighbor lists that
// shouldn't be world-readable on a shared host (mirrors the function of
// the same name in internal/config/loader.go).
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // surfaced by the subsequent read instead
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// rawConfig mirrors Config but with string fields for anything that
// needs unit parsing (durations) before becoming typed.
type rawConfig struct {
	Version  int `yaml:"version,omitempty"`
	Network  struct {
		IP        string `yaml:"ip"`
		Port      int    `yaml:"port"`
		Neighbors string `yaml:"neighbors"` // space-separated
		Subnet    string `yaml:"subnet"`
	} `yaml:"network"`
	Scenario   ScenarioConfig `yaml:"scenario"`
	Training   TrainingConfig `yaml:"training"`
	Aggregator struct {
		Algorithm          string       `yaml:"algorithm"`
		AggregationTimeout string       `yaml:"aggregation_timeout"`
		TrimBeta           float64      `yaml:"trim_beta"`
		TrimRounding       TrimRounding `yaml:"trim_rounding"`
		KrumByzantineCount int          `yaml:"krum_byzantine_count"`
	} `yaml:"aggregator"`
	Defense     DefenseConfig     `yaml:"defense"`
	Adversarial AdversarialConfig `yaml:"adversarial"`
	Mobility    MobilityConfig    `yaml:"mobility"`
}

// Load reads and parses a YAML config file at path into a validated Config.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("config: version %d is newer than supported version %d", version, CurrentConfigVersion)
	}

	timeout := 30 * time.Second
	if raw.Aggregator.AggregationTimeout != "" {
		timeout, err = time.ParseDuration(raw.Aggregator.AggregationTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: aggregator.aggregation_timeout: %w", err)
		}
	}

	trimRounding := raw.Aggregator.TrimRounding
	if trimRounding == "" {
		trimRounding = TrimFloor
	}

	cfg := &Config{
		Version: version,
		Network: NetworkConfig{
			IP:        raw.Network.IP,
			Port:      raw.Network.Port,
			Neighbors: splitNeighbors(raw.Network.Neighbors),
			Subnet:    raw.Network.Subnet,
		},
		Scenario: raw.Scenario,
		Training: raw.Training,
		Aggregator: AggregatorConfig{
			Algorithm:          raw.Aggregator.Algorithm,
			AggregationTimeout: timeout,
			TrimBeta:           raw.Aggregator.TrimBeta,
			TrimRounding:       trimRounding,
			KrumByzantineCount: raw.Aggregator.KrumByzantineCount,
		},
		Defense:     raw.Defense,
		Adversarial: raw.Adversarial,
		Mobility:    raw.Mobility,
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitNeighbors(s string) []string {
	var out []string
	field := ""
	flush := func() {
		if field != "" {
			out = append(out, field)
			field = ""
		}
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			flush()
			continue
		}
		field += string(r)
	}
	flush()
	return out
}

// Validate checks required fields and internally consistent values.
func Validate(cfg *Config) error {
	if cfg.Network.IP == "" || cfg.Network.Port == 0 {
		return fmt.Errorf("config: network.ip and network.port are required")
	}
	switch cfg.Aggregator.Algorithm {
	case "FedAvg", "Median", "TrimmedMean", "Krum", "":
	default:
		return fmt.Errorf("config: unknown aggregator.algorithm %q", cfg.Aggregator.Algorithm)
	}
	if cfg.Aggregator.Algorithm == "TrimmedMean" {
		if cfg.Aggregator.TrimBeta < 0 || cfg.Aggregator.TrimBeta >= 0.5 {
			return fmt.Errorf("config: aggregator.trim_beta must be in [0, 0.5)")
		}
	}
	if cfg.Defense.WithReputation {
		switch cfg.Defense.WeightingFactor {
		case WeightingStatic, WeightingDynamic, "":
		default:
			return fmt.Errorf("config: unknown defense.weighting_factor %q", cfg.Defense.WeightingFactor)
		}
	}
	switch cfg.Scenario.Role {
	case "trainer", "aggregator", "trainer_aggregator", "server", "proxy", "idle", "":
	default:
		return fmt.Errorf("config: unknown scenario.role %q", cfg.Scenario.Role)
	}
	return nil
}
