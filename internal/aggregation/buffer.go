// Buffer implements the Aggregation Buffer state machine (spec §4.5):
// the current round R, the federation set F, the pending map P of this
// round's received updates, the future map Φ of updates that arrived
// ahead of R, a waiting-for-global-update flag, an aggregation-done
// barrier, and the fast-push catch-up jump (FastPushSignal reports a
// round with enough future contributions; AdvanceRound performs the
// jump). There is no separate slow-push transition or skip signal.
//
// Grounded on other_examples' sync/async aggregator split (the
// buffer's "wait for everyone" vs. push-skip behavior mirrors that
// file's sync-wait-loop vs. async-staleness-weighted aggregation) and
// original_source/nebula/core/aggregation/aggregator.py's round
// bookkeeping (_federation_nodes, _pending_models, future-round
// storage keyed by round number).
package aggregation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nebula-fl/corenode/pkg/model"
	"github.com/nebula-fl/corenode/pkg/param"
)

// ErrStaleUpdate is returned by IncludeUpdate for a round strictly
// older than the buffer's current round; it carries no information the
// buffer can still use.
var ErrStaleUpdate = errors.New("aggregation: update for a round already closed")

// ErrUnknownSource is returned when an update's source isn't part of
// the current federation.
var ErrUnknownSource = errors.New("aggregation: source not in federation")

// Decoder turns a ModelUpdate's raw Params bytes into a param.Store the
// configured Aggregator can operate on.
type Decoder func([]byte) (param.Store, error)

// Buffer coordinates one node's view of a federation's updates across
// rounds.
type Buffer struct {
	mu sync.Mutex

	round      int32
	federation map[model.NodeID]struct{}
	pending    map[model.NodeID]model.ModelUpdate
	future     map[int32]map[model.NodeID]model.ModelUpdate

	// carriedOver marks pending entries that AdvanceRound seeded from
	// the node's own last update rather than a fresh IncludeUpdate call
	// this round; a genuine re-insertion for the same source is allowed
	// to overwrite one of these without tripping the duplicate check.
	carriedOver map[model.NodeID]bool

	// ownUpdate/hasOwnUpdate remember this node's most recently accepted
	// Local update so AdvanceRound can carry it into the next round
	// instead of discarding it with the rest of the closed-out pending
	// map (spec §4.5: "own update is always preserved").
	ownUpdate    model.ModelUpdate
	hasOwnUpdate bool

	waitingGlobal bool

	doneCh chan struct{} // closed once the round's barrier condition is met

	aggregator Aggregator
	decode     Decoder

	// fastPushThreshold: once this many distinct peers have pushed an
	// update for some round > current round, IncludeUpdate treats that
	// as a fast-push signal and the caller (engine) is expected to call
	// AdvanceRound — the buffer itself never silently jumps rounds.
	fastPushThreshold int

	fastPushSignal chan int32 // buffered size 1; latest suggested round
}

// Option configures a new Buffer.
type Option func(*Buffer)

// WithFastPushThreshold overrides the default fast-push trigger count.
func WithFastPushThreshold(n int) Option {
	return func(b *Buffer) { b.fastPushThreshold = n }
}

// New constructs a Buffer starting at round, tracking federation, using
// aggregator to combine updates and decode to turn wire bytes into
// param.Store values.
func New(round int32, federation []model.NodeID, aggregator Aggregator, decode Decoder, opts ...Option) *Buffer {
	b := &Buffer{
		round:             round,
		federation:        toSet(federation),
		pending:           make(map[model.NodeID]model.ModelUpdate),
		future:            make(map[int32]map[model.NodeID]model.ModelUpdate),
		carriedOver:       make(map[model.NodeID]bool),
		aggregator:        aggregator,
		decode:            decode,
		doneCh:            make(chan struct{}),
		fastPushSignal:    make(chan int32, 1),
		fastPushThreshold: 1, // overridden by WithFastPushThreshold for real federations
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func toSet(ids []model.NodeID) map[model.NodeID]struct{} {
	s := make(map[model.NodeID]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// UpdateFederation replaces the set of nodes the buffer expects
// contributions from this round. Members removed from the federation
// have their pending contribution (if any) dropped; new members simply
// widen the set IncludeUpdate and the done-barrier watch.
func (b *Buffer) UpdateFederation(members []model.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	newSet := toSet(members)
	for peer := range b.pending {
		if _, ok := newSet[peer]; !ok {
			delete(b.pending, peer)
		}
	}
	b.federation = newSet
	b.checkDoneLocked()
}

// Round returns the buffer's current round.
func (b *Buffer) Round() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.round
}

// IncludeUpdate records one peer's contribution. Updates for the
// current round populate the pending map; updates for a future round
// are held in the catch-up map Φ until AdvanceRound reaches them;
// updates for a past round are rejected with ErrStaleUpdate. A node
// waiting for a fresh global model (SetWaitingGlobal(true)) discards
// everything buffered so far and resynchronizes on the first
// non-local update it sees.
func (b *Buffer) IncludeUpdate(u model.ModelUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.Round == model.InitRound {
		return nil // init artefact, not a round contribution
	}

	if b.waitingGlobal && !u.Local {
		b.pending = map[model.NodeID]model.ModelUpdate{u.Source: u}
		b.carriedOver = make(map[model.NodeID]bool)
		b.waitingGlobal = false
		b.releaseLocked()
		return nil
	}

	switch {
	case u.Round < b.round:
		return ErrStaleUpdate
	case u.Round == b.round:
		if _, inFederation := b.federation[u.Source]; !inFederation {
			return ErrUnknownSource
		}
		if _, exists := b.pending[u.Source]; exists && !b.carriedOver[u.Source] {
			return nil // duplicate: no-op after the first accepted insertion
		}
		b.pending[u.Source] = u
		delete(b.carriedOver, u.Source)
		if u.Local {
			b.ownUpdate = u
			b.hasOwnUpdate = true
		}
		b.checkDoneLocked()
	default:
		bucket, ok := b.future[u.Round]
		if !ok {
			bucket = make(map[model.NodeID]model.ModelUpdate)
			b.future[u.Round] = bucket
		}
		bucket[u.Source] = u
		if len(bucket) >= b.fastPushThreshold {
			select {
			case b.fastPushSignal <- u.Round:
			default:
			}
		}
	}
	return nil
}

// releaseLocked closes doneCh if it hasn't already been closed this
// round. Callers must hold b.mu.
func (b *Buffer) releaseLocked() {
	select {
	case <-b.doneCh:
	default:
		close(b.doneCh)
	}
}

// checkDoneLocked closes doneCh once every current federation member
// has a pending contribution. Callers must hold b.mu.
func (b *Buffer) checkDoneLocked() {
	select {
	case <-b.doneCh:
		return // already signaled this round
	default:
	}
	if len(b.federation) == 0 {
		return
	}
	for peer := range b.federation {
		if _, ok := b.pending[peer]; !ok {
			return
		}
	}
	b.releaseLocked()
}

// FastPushSignal reports the latest round number for which enough
// catch-up contributions arrived to suggest the local node should
// advance to that round, or false if no such signal is currently
// pending.
func (b *Buffer) FastPushSignal() (int32, bool) {
	select {
	case r := <-b.fastPushSignal:
		return r, true
	default:
		return 0, false
	}
}

// SetWaitingGlobal marks whether this node is blocked waiting for a
// global model (e.g. a fresh joiner in the Server role's initial sync).
// While set, the next non-local IncludeUpdate replaces the buffer
// wholesale with that single entry and clears the flag.
func (b *Buffer) SetWaitingGlobal(waiting bool) {
	b.mu.Lock()
	b.waitingGlobal = waiting
	b.mu.Unlock()
}

// WaitingGlobal reports the flag set by SetWaitingGlobal.
func (b *Buffer) WaitingGlobal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitingGlobal
}

// AdvanceRound closes out the current round's pending map and opens
// newRound, promoting any already-received catch-up contributions for
// it from Φ into the fresh pending map, discarding stale future
// buckets below newRound, and carrying the node's own last update
// forward if Φ[newRound] didn't already include one — this is also
// the fast-push jump itself when newRound is more than one past the
// current round.
func (b *Buffer) AdvanceRound(newRound int32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw := b.future[newRound]
	promoted := make(map[model.NodeID]model.ModelUpdate, len(raw))
	for src, u := range raw {
		promoted[src] = u
	}
	for r := range b.future {
		if r <= newRound {
			delete(b.future, r)
		}
	}

	carried := make(map[model.NodeID]bool)
	if b.hasOwnUpdate {
		if _, ok := promoted[b.ownUpdate.Source]; !ok {
			own := b.ownUpdate
			own.Round = newRound
			promoted[own.Source] = own
			carried[own.Source] = true
		}
	}

	b.round = newRound
	b.pending = promoted
	b.carriedOver = carried
	b.doneCh = make(chan struct{})
	b.checkDoneLocked()
}

// GetAggregation blocks until the round's done-barrier is satisfied (or
// ctx is cancelled), then runs the configured Aggregator over the
// round's pending updates, weighting each by the caller-supplied
// weight function (typically the Reputation Engine's Weight method).
func (b *Buffer) GetAggregation(ctx context.Context, weightOf func(model.NodeID) float64) (param.Store, error) {
	b.mu.Lock()
	done := b.doneCh
	b.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		// Fall through anyway: a caller past the push-skip deadline
		// aggregates whatever arrived (spec §4.5 fast-push path).
	}

	b.mu.Lock()
	updates := make([]model.ModelUpdate, 0, len(b.pending))
	for _, u := range b.pending {
		weighted := u
		if weightOf != nil {
			weighted.Weight = weightOf(u.Source)
		}
		updates = append(updates, weighted)
	}
	b.mu.Unlock()

	if len(updates) == 0 {
		return nil, ErrNoUpdates
	}

	stores := make([]param.Store, 0, len(updates))
	kept := updates[:0]
	for _, u := range updates {
		s, err := b.decode(u.Params)
		if err != nil {
			continue // corrupt payload: drop the contributor, don't fail the round
		}
		stores = append(stores, s)
		kept = append(kept, u)
	}
	if len(stores) == 0 {
		return nil, ErrNoUpdates
	}
	return b.aggregator.Aggregate(kept, stores)
}

// PendingCount reports how many contributions the current round has
// received so far, for metrics and for deciding whether a push-skip
// deadline is worth honoring.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PendingSources reports, in sorted order, which federation members
// have a contribution recorded for the current round — used by the
// crash dump to capture a snapshot of in-flight aggregation state.
func (b *Buffer) PendingSources() []model.NodeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.NodeID, 0, len(b.pending))
	for src := range b.pending {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
