package main

import (
	"testing"
	"time"

	"github.com/nebula-fl/corenode/internal/aggregation"
	"github.com/nebula-fl/corenode/internal/config"
	"github.com/nebula-fl/corenode/internal/reputation"
	"github.com/nebula-fl/corenode/internal/role"
)

func TestBuildAggregatorDefaultsToFedAvg(t *testing.T) {
	agg, _ := buildAggregator(config.AggregatorConfig{})
	if agg.Name() != "fedavg" {
		t.Fatalf("got %s, want fedavg", agg.Name())
	}
}

func TestBuildAggregatorTrimmedMeanDefaultsBeta(t *testing.T) {
	agg, _ := buildAggregator(config.AggregatorConfig{Algorithm: "TrimmedMean"})
	tm, ok := agg.(aggregation.TrimmedMean)
	if !ok {
		t.Fatalf("got %T, want TrimmedMean", agg)
	}
	if tm.Beta != 0.1 {
		t.Fatalf("beta = %v, want default 0.1", tm.Beta)
	}
}

func TestBuildAggregatorKrumUsesConfiguredByzantineCount(t *testing.T) {
	agg, _ := buildAggregator(config.AggregatorConfig{Algorithm: "Krum", KrumByzantineCount: 2})
	krum, ok := agg.(aggregation.Krum)
	if !ok {
		t.Fatalf("got %T, want Krum", agg)
	}
	if krum.ByzantineCount != 2 {
		t.Fatalf("byzantine count = %d, want 2", krum.ByzantineCount)
	}
}

func TestBuildBehaviorDefaultsToTrainer(t *testing.T) {
	b := buildBehavior("", config.AdversarialConfig{})
	if _, ok := b.(role.Trainer); !ok {
		t.Fatalf("got %T, want role.Trainer", b)
	}
}

func TestBuildBehaviorWrapsWithMaliciousWhenAttacksConfigured(t *testing.T) {
	b := buildBehavior("trainer_aggregator", config.AdversarialConfig{Attacks: []string{"flooding"}})
	mal, ok := b.(role.Malicious)
	if !ok {
		t.Fatalf("got %T, want role.Malicious", b)
	}
	if _, ok := mal.Inner.(role.TrainerAggregator); !ok {
		t.Fatalf("inner = %T, want TrainerAggregator", mal.Inner)
	}
	fa, ok := mal.Attack.(role.FloodingAttack)
	if !ok {
		t.Fatalf("attack = %T, want FloodingAttack", mal.Attack)
	}
	if fa.Extra != 3 {
		t.Fatalf("extra = %d, want default 3", fa.Extra)
	}
}

func TestBuildAttackReadsDelaySeconds(t *testing.T) {
	a := buildAttack("delay", map[string]interface{}{"delay_seconds": 5.0})
	delay, ok := a.(role.DelayAttack)
	if !ok {
		t.Fatalf("got %T, want DelayAttack", a)
	}
	if delay.Delay != 5*time.Second {
		t.Fatalf("delay = %v, want 5s", delay.Delay)
	}
}

func TestReputationWeightsFallsBackToDefault(t *testing.T) {
	w := reputationWeights(config.DefenseConfig{})
	if w != reputation.DefaultWeights {
		t.Fatalf("got %+v, want defaults", w)
	}
}

func TestReputationWeightsUsesConfiguredStaticValues(t *testing.T) {
	w := reputationWeights(config.DefenseConfig{
		StaticMessageCount: 0.4,
		StaticLatency:      0.3,
		StaticParamChange:  0.2,
		StaticSimilarity:   0.1,
	})
	if w.MessageCount != 0.4 || w.Similarity != 0.1 {
		t.Fatalf("unexpected weights %+v", w)
	}
}
