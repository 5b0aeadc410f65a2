// Package propagation implements the Propagator (spec §4.8): a small
// strategy that decides, for the node's current phase, which direct
// neighbors should receive the locally produced model update.
//
// Grounded on original_source/nebula/core/network/communications.py's
// propagator strategy registration (initialize/stable/push phases
// selecting different neighbor subsets); the core logic here is pure
// selection over a peer list, so no third-party library applies.
package propagation

import "github.com/nebula-fl/corenode/pkg/model"

// Phase names the node's position in the round lifecycle, which
// determines how aggressively it propagates.
type Phase int

const (
	// PhaseInitialization propagates to every direct neighbor, since the
	// node has no history yet to be selective about.
	PhaseInitialization Phase = iota
	// PhaseStable propagates to direct neighbors only, once per round.
	PhaseStable
	// PhasePush propagates eagerly, including to neighbors that have
	// already been sent this round's update once (catch-up retries).
	PhasePush
)

// Propagator selects which neighbors to send a round's update to.
type Propagator struct {
	phase Phase
}

// New constructs a Propagator starting in PhaseInitialization.
func New() *Propagator {
	return &Propagator{phase: PhaseInitialization}
}

// SetPhase transitions the propagator's strategy.
func (p *Propagator) SetPhase(phase Phase) { p.phase = phase }

// Phase returns the propagator's current phase.
func (p *Propagator) Phase() Phase { return p.phase }

// Recipients returns the subset of directNeighbors that should receive
// this round's update. alreadySent records which neighbors were sent
// to earlier this round; PhaseStable skips them to avoid a duplicate
// send, while PhasePush resends to everyone as a catch-up retry.
func (p *Propagator) Recipients(directNeighbors []model.NodeID, alreadySent map[model.NodeID]bool) []model.NodeID {
	switch p.phase {
	case PhaseInitialization, PhasePush:
		return directNeighbors
	case PhaseStable:
		out := make([]model.NodeID, 0, len(directNeighbors))
		for _, n := range directNeighbors {
			if !alreadySent[n] {
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}
