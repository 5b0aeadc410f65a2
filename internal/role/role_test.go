package role

import (
	"context"
	"testing"
	"time"

	"github.com/nebula-fl/corenode/pkg/model"
	"github.com/nebula-fl/corenode/pkg/param"
)

func TestTrainerPropagatesTrainedUpdate(t *testing.T) {
	var propagated []model.ModelUpdate
	deps := Deps{
		Self: "self:1",
		Train: func(context.Context) (param.Store, error) {
			return param.DenseVector{1, 2, 3}, nil
		},
		Propagate: func(u model.ModelUpdate) { propagated = append(propagated, u) },
	}
	if err := (Trainer{}).ExtendedCycle(context.Background(), 4, deps); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(propagated) != 1 || !propagated[0].Local {
		t.Fatalf("got %+v, want one local update", propagated)
	}
}

func TestServerNeverTrains(t *testing.T) {
	trainCalled := false
	deps := Deps{
		Self:      "server:1",
		Train:     func(context.Context) (param.Store, error) { trainCalled = true; return nil, nil },
		Aggregate: func(context.Context) (param.Store, error) { return param.DenseVector{0}, nil },
		Propagate: func(model.ModelUpdate) {},
	}
	if err := (Server{}).ExtendedCycle(context.Background(), 1, deps); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trainCalled {
		t.Fatal("server role must never call Train")
	}
}

func TestMaliciousTampersWithoutDelay(t *testing.T) {
	var propagated []model.ModelUpdate
	deps := Deps{
		Self: "mal:1",
		Train: func(context.Context) (param.Store, error) {
			return param.DenseVector{2, -2}, nil
		},
		Propagate: func(u model.ModelUpdate) { propagated = append(propagated, u) },
	}
	m := Malicious{Inner: Trainer{}, Attack: NeuronInversionAttack{}}

	start := time.Now()
	if err := m.ExtendedCycle(context.Background(), 1, deps); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("no-delay attack should not have blocked")
	}
	if len(propagated) != 1 {
		t.Fatalf("got %d propagations, want 1", len(propagated))
	}
	vec, err := param.DecodeDenseVector(propagated[0].Params)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vec[0] != -2 || vec[1] != 2 {
		t.Fatalf("params not inverted: %v", vec)
	}
}

func TestFloodingAttackMultipliesPropagation(t *testing.T) {
	var propagated []model.ModelUpdate
	deps := Deps{
		Self:      "flood:1",
		Train:     func(context.Context) (param.Store, error) { return param.DenseVector{1}, nil },
		Propagate: func(u model.ModelUpdate) { propagated = append(propagated, u) },
	}
	m := Malicious{Inner: Trainer{}, Attack: FloodingAttack{Extra: 3}}
	if err := m.ExtendedCycle(context.Background(), 1, deps); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(propagated) != 4 {
		t.Fatalf("got %d propagations, want 4 (1 original + 3 extra)", len(propagated))
	}
}
