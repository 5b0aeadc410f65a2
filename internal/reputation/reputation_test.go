package reputation

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nebula-fl/corenode/internal/metrics"
	"github.com/nebula-fl/corenode/pkg/model"
)

func TestScoreStaysWithinUnitInterval(t *testing.T) {
	e := New(DefaultWeights, false)
	s := e.Score("peer-a", 0, Signals{
		MessageCount:   10,
		ArrivalLatency: 0.2,
		ParamChange:    0.1,
		Similarity:     0.9,
	}, nil)
	if s < 0 || s > 1 {
		t.Fatalf("score out of [0,1]: %f", s)
	}
}

func TestSmoothingBlendsTowardNewScore(t *testing.T) {
	e := New(DefaultWeights, false)
	first := e.Score("peer-a", 0, Signals{MessageCount: 1, ArrivalLatency: 0, ParamChange: 0, Similarity: 1}, nil)
	if math.Abs(first-1) > 1e-9 {
		t.Fatalf("first round should equal raw score with no prior smoothing, got %f", first)
	}
	second := e.Score("peer-a", 1, Signals{MessageCount: 1, ArrivalLatency: 1, ParamChange: 1, Similarity: 0}, nil)
	// Message count 1 still normalizes to 1 (running max is 1), so only
	// that signal scores: raw = 0.25.
	want := smoothingAlpha*0.25 + (1-smoothingAlpha)*1
	if math.Abs(second-want) > 1e-9 {
		t.Fatalf("got %f, want %f", second, want)
	}
}

func TestRejectedBelowThreshold(t *testing.T) {
	e := New(DefaultWeights, false)
	e.Score("bad-peer", 0, Signals{MessageCount: 0, ArrivalLatency: 10, ParamChange: 1, Similarity: 0}, nil)
	if !e.Rejected("bad-peer") {
		t.Fatal("expected low-signal peer to be rejected")
	}
	if got := e.Weight("bad-peer"); got != 0 {
		t.Fatalf("rejected peer weight = %f, want 0", got)
	}
}

func TestUnknownPeerNotRejected(t *testing.T) {
	e := New(DefaultWeights, false)
	if e.Rejected(model.NodeID("unseen:1")) {
		t.Fatal("unseen peer should not be rejected")
	}
	if got := e.Current(model.NodeID("unseen:1")); got != 0.5 {
		t.Fatalf("unseen peer current score = %f, want neutral 0.5", got)
	}
}

func TestFeedbackAppliesAtMostOncePerRound(t *testing.T) {
	e := New(DefaultWeights, false)
	e.Score("peer-a", 0, Signals{MessageCount: 1, ArrivalLatency: 0, ParamChange: 0, Similarity: 1}, nil)
	before := e.Current("peer-a")
	e.ApplyFeedback("peer-a", 5, -0.3)
	afterFirst := e.Current("peer-a")
	if afterFirst >= before {
		t.Fatalf("feedback should have lowered score: before=%f after=%f", before, afterFirst)
	}
	e.ApplyFeedback("peer-a", 5, -0.3)
	afterSecond := e.Current("peer-a")
	if afterSecond != afterFirst {
		t.Fatalf("duplicate feedback for same round applied twice: %f -> %f", afterFirst, afterSecond)
	}
}

func TestSetMetricsUpdatesReputationGauge(t *testing.T) {
	e := New(DefaultWeights, false)
	m := metrics.New()
	e.SetMetrics(m)

	e.Score("peer-a", 0, Signals{MessageCount: 1, ArrivalLatency: 0, ParamChange: 0, Similarity: 1}, nil)

	got := testutil.ToFloat64(m.ReputationScore.WithLabelValues("peer-a"))
	want := e.Current("peer-a")
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("gauge = %f, want %f", got, want)
	}
}

func TestScoresSnapshotsOnlySmoothedPeers(t *testing.T) {
	e := New(DefaultWeights, false)
	e.Score("peer-a", 0, Signals{MessageCount: 1, ArrivalLatency: 0, ParamChange: 0, Similarity: 1}, nil)

	got := e.Scores()
	if len(got) != 1 {
		t.Fatalf("scores = %v, want exactly one entry", got)
	}
	if got["peer-a"] != e.Current("peer-a") {
		t.Fatalf("scores[peer-a] = %f, want %f", got["peer-a"], e.Current("peer-a"))
	}
	if _, ok := got["unseen:1"]; ok {
		t.Fatal("unscored peer should not appear in the snapshot")
	}
}

func TestWeightScalesRejectThresholdToUnitRange(t *testing.T) {
	e := New(DefaultWeights, false)
	e.Score("peer-a", 0, Signals{MessageCount: 1, ArrivalLatency: 0, ParamChange: 0, Similarity: 1}, nil)
	if got := e.Weight("peer-a"); math.Abs(got-1) > 1e-9 {
		t.Fatalf("perfect score weight = %f, want 1", got)
	}

	e.Score("peer-b", 0, Signals{MessageCount: 1, ArrivalLatency: 0, ParamChange: 0.2, Similarity: RejectThreshold}, nil)
	current := e.Current("peer-b")
	if current < RejectThreshold {
		t.Skip("peer-b fell below the reject threshold in this fixture; weight-scaling midpoint not exercised")
	}
	want := (current - RejectThreshold) / (1 - RejectThreshold)
	if got := e.Weight("peer-b"); math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %f, want %f", got, want)
	}
}

func TestDynamicWeightsRespectFloor(t *testing.T) {
	cohort := []Signals{
		{MessageCount: 1, ArrivalLatency: 1, ParamChange: 1, Similarity: 1},
		{MessageCount: 1, ArrivalLatency: 1, ParamChange: 1, Similarity: 0},
	}
	w := dynamicWeights(cohort)
	total := w.MessageCount + w.ArrivalLatency + w.ParamChange + w.Similarity
	if math.Abs(total-1) > 1e-9 {
		t.Fatalf("weights should sum to 1, got %f", total)
	}
	if w.MessageCount < 0.1-1e-9 {
		t.Fatalf("zero-variance signal fell below floor: %f", w.MessageCount)
	}
}
