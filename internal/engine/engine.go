// Package engine implements the round loop state machine (spec §4.9):
// Idle -> Connecting -> AwaitingFederation -> Running -> Finished, with
// graceful shutdown on context cancellation and a crash dump written on
// fatal error.
//
// Grounded on original_source/nebula/core/engine.py for the phase
// structure, and on the atomic tempfile-then-rename write pattern
// (used throughout internal/config for snapshot persistence) for the
// crash dump. Task orchestration uses golang.org/x/sync/errgroup
// instead of a bare sync.WaitGroup fan-out (as in
// pkg/p2pnet/peermanager.go's Start/Close). The group runs only the
// round loop, under the group's derived context; the listener and the
// controller client are not members of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nebula-fl/corenode/internal/aggregation"
	"github.com/nebula-fl/corenode/internal/arbiter"
	"github.com/nebula-fl/corenode/internal/comms"
	"github.com/nebula-fl/corenode/internal/eventbus"
	"github.com/nebula-fl/corenode/internal/metrics"
	"github.com/nebula-fl/corenode/internal/propagation"
	"github.com/nebula-fl/corenode/internal/reputation"
	"github.com/nebula-fl/corenode/internal/role"
	"github.com/nebula-fl/corenode/pkg/model"
	"github.com/nebula-fl/corenode/pkg/param"
)

// State names the engine's position in the round lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingFederation
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingFederation:
		return "awaiting_federation"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "idle"
	}
}

// Trainer abstracts the model-training backend the engine drives each
// round; corenode itself carries no training code (spec §9: the core
// is backend-agnostic).
type Trainer func(ctx context.Context, round int32) (param.Store, error)

// Config bundles the engine's fixed, round-independent settings.
type Config struct {
	Self          model.NodeID
	Bootstrap     []model.NodeID
	TotalRounds   int32 // 0 means unbounded (run until ctx is cancelled)
	RoundTimeout  time.Duration
	CrashDumpPath string // empty disables crash dump persistence
	MinFederation int    // connections required before the federation handshake begins
	Start         bool   // this node is the designated start node (spec §4.9)
	RunID         string // correlates this run with controller registration, if any
}

// Engine drives one node's participation across rounds.
type Engine struct {
	cfg Config

	comms      *comms.Manager
	bus        *eventbus.Bus
	buffer     *aggregation.Buffer
	reputation *reputation.Engine
	propagator *propagation.Propagator
	behavior   role.Behavior
	train      Trainer
	metrics    *metrics.Set

	federationMu      sync.Mutex
	federationReady   map[model.NodeID]struct{}
	federationStarted chan struct{}

	state atomic.Int32
	round atomic.Int32
}

// New constructs an Engine. decode turns wire bytes into the
// param.Store the configured Aggregator understands.
func New(cfg Config, cm *comms.Manager, bus *eventbus.Bus, aggregator aggregation.Aggregator,
	decode aggregation.Decoder, rep *reputation.Engine, behavior role.Behavior, train Trainer, m *metrics.Set) *Engine {

	// The federation the buffer tracks always includes this node itself
	// alongside its bootstrap peers: a node's own contribution goes
	// through IncludeUpdate like any other source (spec §4.5), so it
	// must be a recognized member or ErrUnknownSource would reject it.
	federation := make([]model.NodeID, 0, len(cfg.Bootstrap)+1)
	federation = append(federation, cfg.Self)
	federation = append(federation, cfg.Bootstrap...)

	fastPushThreshold := len(cfg.Bootstrap) // |F|-1, spec §4.5
	if fastPushThreshold < 1 {
		fastPushThreshold = 1
	}

	e := &Engine{
		cfg:               cfg,
		comms:             cm,
		bus:               bus,
		buffer:            aggregation.New(model.FirstRound, federation, aggregator, decode, aggregation.WithFastPushThreshold(fastPushThreshold)),
		reputation:        rep,
		propagator:        propagation.New(),
		behavior:          behavior,
		train:             train,
		metrics:           m,
		federationReady:   make(map[model.NodeID]struct{}),
		federationStarted: make(chan struct{}),
	}
	e.state.Store(int32(StateIdle))
	e.round.Store(model.FirstRound)
	eventbus.Subscribe(bus, eventbus.Concurrent, e.onFederationMessage)
	return e
}

// onFederationMessage tracks the federation_ready/federation_start
// handshake (spec §4.9) from the comms event bus.
func (e *Engine) onFederationMessage(ev comms.MessageEvent) {
	if ev.Msg.Category != model.CategoryFederation {
		return
	}
	switch ev.Msg.Action {
	case model.ActionFederationReady:
		e.federationMu.Lock()
		e.federationReady[ev.From] = struct{}{}
		e.federationMu.Unlock()
	case model.ActionFederationStart:
		e.markFederationStarted()
	}
}

func (e *Engine) markFederationStarted() {
	e.federationMu.Lock()
	defer e.federationMu.Unlock()
	select {
	case <-e.federationStarted:
	default:
		close(e.federationStarted)
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Round returns the round currently in progress.
func (e *Engine) Round() int32 { return e.round.Load() }

// Run drives the engine until ctx is cancelled, TotalRounds completes,
// or a fatal error occurs. It always returns promptly on ctx
// cancellation (graceful shutdown, spec §4.9).
func (e *Engine) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: panic: %v", r)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			e.dumpCrash(err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	e.state.Store(int32(StateConnecting))
	if err := e.connectBootstrap(gctx); err != nil {
		return fmt.Errorf("engine: bootstrap connect: %w", err)
	}

	e.state.Store(int32(StateAwaitingFederation))
	if err := e.awaitFederation(gctx); err != nil {
		return fmt.Errorf("engine: awaiting federation: %w", err)
	}

	e.state.Store(int32(StateRunning))
	g.Go(func() error { return e.roundLoop(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.state.Store(int32(StateFinished))
	return nil
}

func (e *Engine) connectBootstrap(ctx context.Context) error {
	for _, addr := range e.cfg.Bootstrap {
		if _, err := e.comms.Connect(ctx, string(addr), true); err != nil {
			slog.Warn("engine: bootstrap dial failed", "addr", addr, "error", err)
		}
	}
	return nil
}

// awaitFederation implements spec §4.9's AwaitingFederation state: the
// designated start node waits for federation_ready from every
// bootstrap peer then broadcasts federation_start; non-start nodes
// send their own federation_ready to each bootstrap peer and block
// until they observe federation_start. A node with no bootstrap peers
// and no MinFederation requirement has nothing to wait for.
func (e *Engine) awaitFederation(ctx context.Context) error {
	if e.cfg.MinFederation > 0 {
		if err := e.awaitMinConnections(ctx); err != nil {
			return err
		}
	}
	if !e.cfg.Start && len(e.cfg.Bootstrap) == 0 {
		return nil
	}
	if e.cfg.Start {
		return e.awaitBootstrapReady(ctx)
	}
	return e.awaitFederationStart(ctx)
}

func (e *Engine) awaitMinConnections(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(e.comms.Connections()) >= e.cfg.MinFederation {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// awaitBootstrapReady is the start node's half of the handshake: poll
// until every bootstrap peer has signalled federation_ready, then
// broadcast federation_start and proceed immediately.
func (e *Engine) awaitBootstrapReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !e.allBootstrapReady() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	e.comms.Broadcast(model.Message{Source: e.cfg.Self, Category: model.CategoryFederation, Action: model.ActionFederationStart})
	e.markFederationStarted()
	return nil
}

func (e *Engine) allBootstrapReady() bool {
	e.federationMu.Lock()
	defer e.federationMu.Unlock()
	for _, peer := range e.cfg.Bootstrap {
		if _, ok := e.federationReady[peer]; !ok {
			return false
		}
	}
	return true
}

// awaitFederationStart is a non-start node's half of the handshake:
// announce readiness to every bootstrap peer, then block until the
// start node's federation_start is observed.
func (e *Engine) awaitFederationStart(ctx context.Context) error {
	for _, peer := range e.cfg.Bootstrap {
		if err := e.comms.SendTo(peer, model.Message{Source: e.cfg.Self, Category: model.CategoryFederation, Action: model.ActionFederationReady}); err != nil {
			slog.Warn("engine: federation_ready send failed", "peer", peer, "error", err)
		}
	}
	select {
	case <-e.federationStarted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) roundLoop(ctx context.Context) error {
	for e.cfg.TotalRounds == 0 || e.round.Load() < e.cfg.TotalRounds {
		round := e.round.Load()

		// Fast push (spec §4.5): enough of the federation has already
		// moved past this round that waiting it out would just stall.
		// Jump straight there, carrying the own update forward, instead
		// of running the stale round's cycle at all.
		if target, ok := e.buffer.FastPushSignal(); ok && target > round {
			e.buffer.AdvanceRound(target)
			e.round.Store(target)
			continue
		}

		roundStart := time.Now()
		roundCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.RoundTimeout > 0 {
			roundCtx, cancel = context.WithTimeout(ctx, e.cfg.RoundTimeout)
		}

		deps := e.roleDeps(round)
		err := e.behavior.ExtendedCycle(roundCtx, round, deps)
		if cancel != nil {
			cancel()
		}
		if e.metrics != nil {
			e.metrics.RoundDuration.Observe(time.Since(roundStart).Seconds())
			e.metrics.AggregationSize.Set(float64(e.buffer.PendingCount()))
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("round %d: %w", round, err)
		}

		next := round + 1
		e.buffer.AdvanceRound(next)
		e.round.Store(next)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return nil
}

func (e *Engine) roleDeps(round int32) role.Deps {
	return role.Deps{
		Self: e.cfg.Self,
		Train: func(ctx context.Context) (param.Store, error) {
			if e.train == nil {
				return nil, errors.New("engine: no trainer configured")
			}
			return e.train(ctx, round)
		},
		Aggregate: func(ctx context.Context) (param.Store, error) {
			return e.buffer.GetAggregation(ctx, e.reputation.Weight)
		},
		Propagate: func(u model.ModelUpdate) {
			if u.Local {
				if err := e.buffer.IncludeUpdate(u); err != nil {
					slog.Warn("engine: failed to record own update in buffer", "round", u.Round, "error", err)
				}
			}
			neighbors := make([]model.NodeID, 0)
			for _, c := range e.comms.Connections() {
				neighbors = append(neighbors, c.Peer)
			}
			recipients := e.propagator.Recipients(neighbors, nil)
			e.comms.Broadcast(model.Message{
				Source:   e.cfg.Self,
				Category: model.CategoryModel,
				Action:   model.ActionUpdate,
				Round:    u.Round,
				Weight:   u.Weight,
				Params:   u.Params,
			}, recipients...)
		},
	}
}

// IncludeExternalUpdate feeds a peer-originated MessageEvent into the
// aggregation buffer; called by whatever subscribes this engine to the
// comms event bus's MessageEvent for model categories.
func (e *Engine) IncludeExternalUpdate(from model.NodeID, msg model.Message) error {
	return e.buffer.IncludeUpdate(model.ModelUpdate{
		Round:  msg.Round,
		Source: from,
		Params: msg.Params,
		Weight: msg.Weight,
	})
}

// ResolveSuggestions applies the Suggestion Arbiter's output, acting on
// disconnect and reconnect commands; every other action (maintain,
// search, connect, aggregation commands) is ignored rather than treated
// as fatal.
func (e *Engine) ResolveSuggestions(cmds []arbiter.Command) {
	for _, c := range cmds {
		switch c.Action {
		case arbiter.ActionDisconnect:
			e.comms.Disconnect(model.NodeID(c.Target), true)
		case arbiter.ActionReconnect:
			go func(addr string) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_, _ = e.comms.Connect(ctx, addr, true)
			}(c.Target)
		}
	}
}

// crashDump is a YAML snapshot of the engine's state at the moment of a
// fatal error: the round in progress, which sources had already
// reported for it, every peer's current reputation score, and the
// error that ended the run.
type crashDump struct {
	RunID            string                   `yaml:"run_id,omitempty"`
	Round            int32                    `yaml:"round"`
	State            string                   `yaml:"state"`
	Error            string                   `yaml:"error"`
	PendingSources   []model.NodeID           `yaml:"pending_sources,omitempty"`
	ReputationScores map[model.NodeID]float64 `yaml:"reputation_scores,omitempty"`
}

// dumpCrash writes the engine's final state atomically (tempfile then
// rename) so a half-written dump never confuses a post-mortem reader.
func (e *Engine) dumpCrash(cause error) {
	if e.cfg.CrashDumpPath == "" {
		return
	}
	dump := crashDump{
		RunID:          e.cfg.RunID,
		Round:          e.round.Load(),
		State:          e.State().String(),
		Error:          cause.Error(),
		PendingSources: e.buffer.PendingSources(),
	}
	if e.reputation != nil {
		dump.ReputationScores = e.reputation.Scores()
	}
	b, err := yaml.Marshal(dump)
	if err != nil {
		slog.Error("engine: marshal crash dump failed", "error", err)
		return
	}
	dir := filepath.Dir(e.cfg.CrashDumpPath)
	tmp, err := os.CreateTemp(dir, ".crashdump-*")
	if err != nil {
		slog.Error("engine: crash dump tempfile failed", "error", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		slog.Error("engine: crash dump write failed", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		slog.Error("engine: crash dump close failed", "error", err)
		return
	}
	if err := os.Rename(tmp.Name(), e.cfg.CrashDumpPath); err != nil {
		slog.Error("engine: crash dump rename failed", "error", err)
	}
}
