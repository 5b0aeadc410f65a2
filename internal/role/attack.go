package role

import (
	"time"

	"github.com/nebula-fl/corenode/pkg/model"
	"github.com/nebula-fl/corenode/pkg/param"
)

// AttackStrategy is the interface a Malicious behavior decorates its
// inner Behavior with. Grounded on
// original_source/nebula/addons/attacks/attacks.py's attack taxonomy:
// delay injection, message flooding, and two parameter-tampering
// attacks (weight scaling, neuron inversion).
type AttackStrategy interface {
	Name() string
	// DelayBefore returns how long to wait before running the inner
	// cycle this round (communications/delayerattack.py).
	DelayBefore() time.Duration
	// Tamper transforms the update the inner behavior is about to
	// propagate.
	Tamper(model.ModelUpdate) model.ModelUpdate
	// ExtraBroadcasts returns how many additional times the (tampered)
	// update should be resent this round (communications/floodingattack.py).
	ExtraBroadcasts() int
}

// NoAttack is the identity AttackStrategy, useful as a Malicious
// placeholder that behaves exactly like its Inner behavior.
type NoAttack struct{}

func (NoAttack) Name() string                             { return "none" }
func (NoAttack) DelayBefore() time.Duration                { return 0 }
func (NoAttack) Tamper(u model.ModelUpdate) model.ModelUpdate { return u }
func (NoAttack) ExtraBroadcasts() int                      { return 0 }

// DelayAttack stalls the node's contribution each round without
// altering its content (delayerattack.py).
type DelayAttack struct {
	Delay time.Duration
}

func (DelayAttack) Name() string                                { return "delay" }
func (a DelayAttack) DelayBefore() time.Duration                { return a.Delay }
func (DelayAttack) Tamper(u model.ModelUpdate) model.ModelUpdate { return u }
func (DelayAttack) ExtraBroadcasts() int                        { return 0 }

// FloodingAttack resends the same update Extra additional times per
// round, burning neighbor bandwidth and dedup-ring capacity
// (floodingattack.py).
type FloodingAttack struct {
	Extra int
}

func (FloodingAttack) Name() string                                { return "flooding" }
func (FloodingAttack) DelayBefore() time.Duration                  { return 0 }
func (FloodingAttack) Tamper(u model.ModelUpdate) model.ModelUpdate { return u }
func (a FloodingAttack) ExtraBroadcasts() int                      { return a.Extra }

// WeightTamperAttack scales the update's Weight field by Factor before
// propagation, inflating or deflating its influence in a neighbor's
// aggregation regardless of the neighbor's own reputation-derived
// weighting (model/noiseinjection.py's weight-manipulation variant).
type WeightTamperAttack struct {
	Factor float64
}

func (WeightTamperAttack) Name() string            { return "weight_tamper" }
func (WeightTamperAttack) DelayBefore() time.Duration { return 0 }
func (a WeightTamperAttack) ExtraBroadcasts() int  { return 0 }

func (a WeightTamperAttack) Tamper(u model.ModelUpdate) model.ModelUpdate {
	u.Weight *= a.Factor
	return u
}

// NeuronInversionAttack negates every scalar of the update's
// parameters, the Go-reachable form of model/noiseinjection.py's
// neuron-inversion poisoning when the wire payload decodes as a
// param.DenseVector. Updates using a different Store implementation
// pass through untampered: the attack can only mutate a representation
// it understands, matching the opaque ParameterStore boundary (spec §9).
type NeuronInversionAttack struct{}

func (NeuronInversionAttack) Name() string              { return "neuron_inversion" }
func (NeuronInversionAttack) DelayBefore() time.Duration { return 0 }
func (NeuronInversionAttack) ExtraBroadcasts() int       { return 0 }

func (NeuronInversionAttack) Tamper(u model.ModelUpdate) model.ModelUpdate {
	vec, err := param.DecodeDenseVector(u.Params)
	if err != nil {
		return u
	}
	inverted := make(param.DenseVector, len(vec))
	for i, f := range vec {
		inverted[i] = -f
	}
	u.Params = inverted.Bytes()
	return u
}
