// Package role implements the Role Behavior strategy pattern (spec
// §4.11): each node runs one Behavior's ExtendedCycle once per round,
// and a Malicious behavior composes an AttackStrategy around an inner
// (benign) Behavior rather than monkey-patching it.
//
// Grounded on original_source/nebula/core/noderole.py (the per-role
// extended_cycle methods: Trainer trains-then-propagates, Aggregator
// waits-then-aggregates-then-propagates, Server never trains) and
// original_source/nebula/addons/attacks/attacks.py's decorator-style
// attack wiring (AttackException wraps a node's normal behavior rather
// than replacing its class).
package role

import (
	"context"
	"time"

	"github.com/nebula-fl/corenode/pkg/model"
	"github.com/nebula-fl/corenode/pkg/param"
)

// Kind names a role for logging and metrics.
type Kind int

const (
	KindIdle Kind = iota
	KindTrainer
	KindAggregator
	KindTrainerAggregator
	KindServer
	KindProxy
	KindMalicious
)

func (k Kind) String() string {
	switch k {
	case KindTrainer:
		return "trainer"
	case KindAggregator:
		return "aggregator"
	case KindTrainerAggregator:
		return "trainer_aggregator"
	case KindServer:
		return "server"
	case KindProxy:
		return "proxy"
	case KindMalicious:
		return "malicious"
	default:
		return "idle"
	}
}

// Deps are the operations a Behavior needs from the engine each round;
// injecting them keeps role decisions testable without a live overlay.
type Deps struct {
	Train     func(ctx context.Context) (param.Store, error)
	Aggregate func(ctx context.Context) (param.Store, error)
	Propagate func(model.ModelUpdate)
	Self      model.NodeID
}

// Behavior is one role's per-round action.
type Behavior interface {
	Kind() Kind
	ExtendedCycle(ctx context.Context, round int32, deps Deps) error
}

// Idle never trains, aggregates, or propagates — an observer role.
type Idle struct{}

func (Idle) Kind() Kind { return KindIdle }
func (Idle) ExtendedCycle(context.Context, int32, Deps) error { return nil }

// Trainer trains locally and propagates its own update; it never
// aggregates (it relies on an Aggregator peer or the Server role).
type Trainer struct{}

func (Trainer) Kind() Kind { return KindTrainer }

func (Trainer) ExtendedCycle(ctx context.Context, round int32, deps Deps) error {
	store, err := deps.Train(ctx)
	if err != nil {
		return err
	}
	deps.Propagate(model.ModelUpdate{Round: round, Source: deps.Self, Params: store.Bytes(), Local: true})
	return nil
}

// Aggregator waits for the round's buffer to fill (handled by the
// comms/aggregation layer outside the role), combines it, and
// propagates the combined result without training itself.
type Aggregator struct{}

func (Aggregator) Kind() Kind { return KindAggregator }

func (Aggregator) ExtendedCycle(ctx context.Context, round int32, deps Deps) error {
	store, err := deps.Aggregate(ctx)
	if err != nil {
		return err
	}
	deps.Propagate(model.ModelUpdate{Round: round, Source: deps.Self, Params: store.Bytes()})
	return nil
}

// TrainerAggregator both contributes a locally trained update and
// aggregates the round's full buffer, propagating the aggregate.
type TrainerAggregator struct{}

func (TrainerAggregator) Kind() Kind { return KindTrainerAggregator }

func (TrainerAggregator) ExtendedCycle(ctx context.Context, round int32, deps Deps) error {
	local, err := deps.Train(ctx)
	if err != nil {
		return err
	}
	deps.Propagate(model.ModelUpdate{Round: round, Source: deps.Self, Params: local.Bytes(), Local: true})

	store, err := deps.Aggregate(ctx)
	if err != nil {
		return err
	}
	deps.Propagate(model.ModelUpdate{Round: round, Source: deps.Self, Params: store.Bytes()})
	return nil
}

// Server never trains; it only aggregates and redistributes, as the
// federation's fixed coordination point.
type Server struct{}

func (Server) Kind() Kind { return KindServer }

func (Server) ExtendedCycle(ctx context.Context, round int32, deps Deps) error {
	store, err := deps.Aggregate(ctx)
	if err != nil {
		return err
	}
	deps.Propagate(model.ModelUpdate{Round: round, Source: deps.Self, Params: store.Bytes()})
	return nil
}

// Proxy neither trains nor aggregates; it exists purely to extend the
// overlay's reach, relying entirely on the Communications Manager's
// flood-eligible forwarding.
type Proxy struct{}

func (Proxy) Kind() Kind { return KindProxy }
func (Proxy) ExtendedCycle(context.Context, int32, Deps) error { return nil }

// Malicious wraps Inner's normal cycle with Attack's effects, without
// altering Inner's own logic (spec §4.11: attacks decorate, they don't
// replace, the underlying benign behavior).
type Malicious struct {
	Inner  Behavior
	Attack AttackStrategy
}

func (Malicious) Kind() Kind { return KindMalicious }

func (m Malicious) ExtendedCycle(ctx context.Context, round int32, deps Deps) error {
	if d := m.Attack.DelayBefore(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wrapped := deps
	wrapped.Propagate = func(u model.ModelUpdate) {
		tampered := m.Attack.Tamper(u)
		deps.Propagate(tampered)
		for i := 0; i < m.Attack.ExtraBroadcasts(); i++ {
			deps.Propagate(tampered)
		}
	}
	return m.Inner.ExtendedCycle(ctx, round, wrapped)
}
