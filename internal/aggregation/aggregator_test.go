package aggregation

import (
	"math"
	"testing"

	"github.com/nebula-fl/corenode/pkg/model"
	"github.com/nebula-fl/corenode/pkg/param"
)

func dv(vals ...float64) param.Store { return param.DenseVector(vals) }

func asVec(t *testing.T, s param.Store) param.DenseVector {
	t.Helper()
	v, ok := s.(param.DenseVector)
	if !ok {
		t.Fatalf("expected DenseVector, got %T", s)
	}
	return v
}

func TestFedAvgWeightedMean(t *testing.T) {
	updates := []model.ModelUpdate{
		{Source: "a", Weight: 0.25},
		{Source: "b", Weight: 0.75},
	}
	stores := []param.Store{dv(0, 0), dv(4, 4)}

	out, err := FedAvg{}.Aggregate(updates, stores)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	v := asVec(t, out)
	want := param.DenseVector{3, 3}
	for i := range want {
		if math.Abs(v[i]-want[i]) > 1e-9 {
			t.Fatalf("got %v, want %v", v, want)
		}
	}
}

func TestFedAvgNoUpdatesErrors(t *testing.T) {
	_, err := FedAvg{}.Aggregate(nil, nil)
	if err != ErrNoUpdates {
		t.Fatalf("got %v, want ErrNoUpdates", err)
	}
}

func TestMedianPicksMostCentralUpdate(t *testing.T) {
	updates := []model.ModelUpdate{{Source: "a"}, {Source: "b"}, {Source: "outlier"}}
	stores := []param.Store{dv(1, 1), dv(1.1, 0.9), dv(100, 100)}

	out, err := Median{}.Aggregate(updates, stores)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	v := asVec(t, out)
	if v[0] > 2 || v[1] > 2 {
		t.Fatalf("median picked the outlier: %v", v)
	}
}

func TestTrimmedMeanExcludesFarthestFromMedoid(t *testing.T) {
	updates := []model.ModelUpdate{
		{Source: "a", Weight: 1}, {Source: "b", Weight: 1},
		{Source: "c", Weight: 1}, {Source: "outlier", Weight: 1},
	}
	stores := []param.Store{dv(1, 1), dv(1.1, 1), dv(0.9, 1), dv(50, 50)}

	tm := TrimmedMean{Beta: 0.25, Rounding: TrimCeil}
	out, err := tm.Aggregate(updates, stores)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	v := asVec(t, out)
	if v[0] > 5 || v[1] > 5 {
		t.Fatalf("trimmed mean did not exclude the outlier: %v", v)
	}
}

func TestKrumSelectsClosestCluster(t *testing.T) {
	updates := make([]model.ModelUpdate, 4)
	for i := range updates {
		updates[i] = model.ModelUpdate{Source: model.NodeID(string(rune('a' + i)))}
	}
	stores := []param.Store{dv(1, 1), dv(1.05, 0.95), dv(0.95, 1.05), dv(90, 90)}

	out, err := Krum{ByzantineCount: 1}.Aggregate(updates, stores)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	v := asVec(t, out)
	if v[0] > 5 || v[1] > 5 {
		t.Fatalf("krum selected the outlier cluster: %v", v)
	}
}
