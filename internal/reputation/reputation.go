// Package reputation implements the Reputation Engine (spec §4.7): a
// per-neighbor score in [0,1] derived from four signals, combined under
// static or dynamic weighting, smoothed across rounds, and used to gate
// both aggregation inclusion and connection-level trust decisions.
//
// Grounded on internal/reputation/history.go's per-peer record map
// behind one sync.RWMutex with atomic save via tempfile+rename,
// generalized from pure connection bookkeeping to the full signal/score
// model in original_source/nebula/core/reputation/Reputation.py and
// original_source/nebula/addons/trustworthiness/trustworthiness.py.
package reputation

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/nebula-fl/corenode/internal/metrics"
	"github.com/nebula-fl/corenode/pkg/model"
)

// RejectThreshold is spec §4.7's fixed cutoff: a smoothed score below
// this marks the peer rejected for the current round.
const RejectThreshold = 0.6

// smoothingAlpha weights the current round's raw score against the
// previous smoothed score: S_n = alpha*raw + (1-alpha)*S_{n-1}.
const smoothingAlpha = 0.9

// Weights are the per-signal coefficients feeding the weighted score.
// They must sum to 1; static mode uses a fixed Weights value, dynamic
// mode recomputes one each round from the fleet's observed signal
// spread (see dynamicWeights).
type Weights struct {
	MessageCount   float64
	ArrivalLatency float64
	ParamChange    float64
	Similarity     float64
}

// DefaultWeights is the static-mode default (spec §4.7).
var DefaultWeights = Weights{
	MessageCount:   0.25,
	ArrivalLatency: 0.25,
	ParamChange:    0.25,
	Similarity:     0.25,
}

// Signals holds one round's raw, unweighted per-peer observations
// before normalization into [0,1].
type Signals struct {
	MessageCount   float64 // raw count this round
	ArrivalLatency float64 // seconds, lower is better
	ParamChange    float64 // fraction of parameters that changed, [0,1]
	Similarity     float64 // cosine/euclidean/manhattan/Pearson blend from param.Store.Similarity, [0,1]
}

// record is the engine's per-peer state.
type record struct {
	smoothed      float64
	hasSmoothed   bool
	feedbackRound int32 // last round a feedback adjustment was applied; -1 = never
}

// Engine tracks per-peer reputation across rounds.
type Engine struct {
	mu      sync.RWMutex
	records map[model.NodeID]*record
	weights Weights
	dynamic bool

	// normalization bounds observed so far, used to scale raw signals
	// into [0,1] without a fixed a-priori max (spec §4.7: "normalized
	// relative to the round's observed peers").
	maxMessageCount   float64
	maxArrivalLatency float64

	metrics *metrics.Set // optional; set via SetMetrics
}

// New constructs an Engine. If dynamic is true, per-signal weights are
// recomputed every round from the spread of that round's observations
// (see Score); otherwise weights stays fixed at the given value.
func New(weights Weights, dynamic bool) *Engine {
	return &Engine{
		records:           make(map[model.NodeID]*record),
		weights:           weights,
		dynamic:           dynamic,
		maxMessageCount:   1,
		maxArrivalLatency: 1,
	}
}

// SetMetrics wires a collector Set so every future Score call also
// updates the per-peer reputation gauge. Optional; a nil Engine metrics
// field (the default) simply skips reporting.
func (e *Engine) SetMetrics(m *metrics.Set) {
	e.mu.Lock()
	e.metrics = m
	e.mu.Unlock()
}

// Score computes and stores the smoothed reputation score for peer
// given this round's raw signals, returning the new smoothed score.
func (e *Engine) Score(peer model.NodeID, round int32, raw Signals, cohort []Signals) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if raw.MessageCount > e.maxMessageCount {
		e.maxMessageCount = raw.MessageCount
	}
	if raw.ArrivalLatency > e.maxArrivalLatency {
		e.maxArrivalLatency = raw.ArrivalLatency
	}

	normMsgCount := clamp01(raw.MessageCount / e.maxMessageCount)
	normLatency := clamp01(1 - raw.ArrivalLatency/e.maxArrivalLatency)
	normParamChange := clamp01(1 - raw.ParamChange) // less drift is better
	normSimilarity := clamp01(raw.Similarity)

	w := e.weights
	if e.dynamic {
		w = dynamicWeights(cohort)
	}

	rawScore := w.MessageCount*normMsgCount +
		w.ArrivalLatency*normLatency +
		w.ParamChange*normParamChange +
		w.Similarity*normSimilarity

	rec, ok := e.records[peer]
	if !ok {
		rec = &record{feedbackRound: -1}
		e.records[peer] = rec
	}
	if !rec.hasSmoothed {
		rec.smoothed = rawScore
		rec.hasSmoothed = true
	} else {
		rec.smoothed = smoothingAlpha*rawScore + (1-smoothingAlpha)*rec.smoothed
	}
	if e.metrics != nil {
		e.metrics.ReputationScore.WithLabelValues(string(peer)).Set(rec.smoothed)
	}
	return rec.smoothed
}

// dynamicWeights reweights signals toward whichever had the widest
// spread in this round's cohort, on the theory that a signal that
// doesn't vary can't help distinguish peers. Falls back to
// DefaultWeights for an empty or degenerate cohort.
func dynamicWeights(cohort []Signals) Weights {
	if len(cohort) < 2 {
		return DefaultWeights
	}
	msgs := make([]float64, len(cohort))
	lats := make([]float64, len(cohort))
	changes := make([]float64, len(cohort))
	sims := make([]float64, len(cohort))
	for i, s := range cohort {
		msgs[i], lats[i], changes[i], sims[i] = s.MessageCount, s.ArrivalLatency, s.ParamChange, s.Similarity
	}
	_, vMsg := stat.MeanVariance(msgs, nil)
	_, vLat := stat.MeanVariance(lats, nil)
	_, vChange := stat.MeanVariance(changes, nil)
	_, vSim := stat.MeanVariance(sims, nil)

	// Each signal's weight floors at 0.1 so no signal is ever fully
	// silenced by a flat round, per spec §4.7's "dynamic weighting
	// still respects a per-signal floor" rule.
	const floor = 0.1
	total := vMsg + vLat + vChange + vSim
	if total <= 0 {
		return DefaultWeights
	}
	remaining := 1 - 4*floor
	return Weights{
		MessageCount:   floor + remaining*vMsg/total,
		ArrivalLatency: floor + remaining*vLat/total,
		ParamChange:    floor + remaining*vChange/total,
		Similarity:     floor + remaining*vSim/total,
	}
}

// Rejected reports whether peer's current smoothed score is below
// RejectThreshold. An unknown peer is never rejected (no evidence yet).
func (e *Engine) Rejected(peer model.NodeID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[peer]
	if !ok {
		return false
	}
	return rec.smoothed < RejectThreshold
}

// Current returns peer's last computed smoothed score, or 0.5 (neutral)
// if no score has been computed yet.
func (e *Engine) Current(peer model.NodeID) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[peer]
	if !ok || !rec.hasSmoothed {
		return 0.5
	}
	return rec.smoothed
}

// Scores returns a snapshot of every peer's current smoothed score,
// for status reporting and crash-dump diagnostics.
func (e *Engine) Scores() map[model.NodeID]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[model.NodeID]float64, len(e.records))
	for peer, rec := range e.records {
		if rec.hasSmoothed {
			out[peer] = rec.smoothed
		}
	}
	return out
}

// ApplyFeedback absorbs an explicit external adjustment (e.g. a peer
// reporting it received a corrupt update from this one) into the
// smoothed score. Feedback is applied at most once per (peer, round)
// pair to prevent a flood of duplicate feedback messages from drowning
// out the signal-derived score.
func (e *Engine) ApplyFeedback(peer model.NodeID, round int32, delta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[peer]
	if !ok {
		rec = &record{smoothed: 0.5, hasSmoothed: true, feedbackRound: -1}
		e.records[peer] = rec
	}
	if rec.feedbackRound == round {
		return
	}
	rec.feedbackRound = round
	rec.smoothed = clamp01(rec.smoothed + delta)
}

// Weight scales a model update's contribution to aggregation by this
// peer's current reputation, per spec §4.7: rejected peers contribute
// zero weight rather than being hard-excluded from the buffer, and the
// surviving range [0.6,1.0] is rescaled to [0,1] before the aggregator
// renormalizes weights to sum to 1. A peer with no computed score yet
// is not rejected and keeps full weight 1.
func (e *Engine) Weight(peer model.NodeID) float64 {
	if e.Rejected(peer) {
		return 0
	}
	e.mu.RLock()
	rec, ok := e.records[peer]
	scored := ok && rec.hasSmoothed
	e.mu.RUnlock()
	if !scored {
		return 1
	}
	return clamp01((e.Current(peer) - RejectThreshold) / (1.0 - RejectThreshold))
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
