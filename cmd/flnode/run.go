package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nebula-fl/corenode/internal/aggregation"
	"github.com/nebula-fl/corenode/internal/comms"
	"github.com/nebula-fl/corenode/internal/config"
	"github.com/nebula-fl/corenode/internal/controller"
	"github.com/nebula-fl/corenode/internal/discovery"
	"github.com/nebula-fl/corenode/internal/engine"
	"github.com/nebula-fl/corenode/internal/eventbus"
	"github.com/nebula-fl/corenode/internal/metrics"
	"github.com/nebula-fl/corenode/internal/reputation"
	"github.com/nebula-fl/corenode/internal/role"
	"github.com/nebula-fl/corenode/pkg/model"
	"github.com/nebula-fl/corenode/pkg/param"
)

// exitCode taxonomy, spec §6: 0 normal completion, 1 configuration
// error, 2 fatal runtime error, 130 interrupted by signal.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
	exitInterrupted  = 130
)

func runNode(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "node.yaml", "path to node YAML config")
	crashDumpPath := fs.String("crash-dump", "", "path to write a crash dump on fatal error (empty disables it)")
	minFederation := fs.Int("min-federation", 0, "connections required before the federation handshake begins (0 = don't wait)")
	startNode := fs.Bool("start", false, "act as the designated start node: wait for federation_ready from every bootstrap peer, then broadcast federation_start")
	announceDiscovery := fs.Bool("announce", false, "send one UDP multicast discovery beacon on startup")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("configuration error: %v", err)
	}

	self := model.NodeID(fmt.Sprintf("%s:%d", cfg.Network.IP, cfg.Network.Port))
	bootstrap := make([]model.NodeID, 0, len(cfg.Network.Neighbors))
	for _, n := range cfg.Network.Neighbors {
		bootstrap = append(bootstrap, model.NodeID(n))
	}

	bus := eventbus.New()
	mset := metrics.New()

	cm := comms.New(self, bus, comms.Options{Metrics: mset})
	if err := cm.Listen(fmt.Sprintf("%s:%d", cfg.Network.IP, cfg.Network.Port)); err != nil {
		fatal("failed to listen on %s:%d: %v", cfg.Network.IP, cfg.Network.Port, err)
	}
	defer cm.Close()

	aggregator, decode := buildAggregator(cfg.Aggregator)
	rep := reputation.New(reputationWeights(cfg.Defense), cfg.Defense.WeightingFactor == config.WeightingDynamic)
	rep.SetMetrics(mset)
	behavior := buildBehavior(cfg.Scenario.Role, cfg.Adversarial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := ""
	var ctrlClient *controller.Client
	if cfg.Scenario.Controller != "" && cfg.Scenario.Controller != "none" {
		ctrlClient = controller.New(cfg.Scenario.Controller, self, "")
		runID = ctrlClient.RunID()
		if _, err := ctrlClient.Register(ctx, cfg.Scenario.Name); err != nil {
			fatal("controller registration failed: %v", err)
		}
		slog.Info("registered with controller", "controller", cfg.Scenario.Controller, "run_id", runID)
		if _, err := ctrlClient.Wait(ctx, 2*time.Second); err != nil {
			fatal("waiting for controller start signal failed: %v", err)
		}
	}

	if *announceDiscovery {
		if err := discovery.Announce(discovery.Beacon{
			Type: discovery.TypeBeacon,
			Node: self,
			Lat:  cfg.Mobility.Lat,
			Lon:  cfg.Mobility.Lon,
		}); err != nil {
			slog.Warn("discovery announce failed", "error", err)
		}
	}
	disc, err := discovery.Listen(ctx, func(from net.Addr, b discovery.Beacon) {
		slog.Debug("discovery beacon received", "from", from, "node", b.Node, "type", b.Type)
	})
	if err != nil {
		slog.Warn("discovery listener unavailable", "error", err)
	} else {
		defer disc.Close()
	}

	eng := engine.New(engine.Config{
		Self:          self,
		Bootstrap:     bootstrap,
		TotalRounds:   cfg.Scenario.Rounds,
		CrashDumpPath: *crashDumpPath,
		MinFederation: *minFederation,
		Start:         *startNode,
		RunID:         runID,
	}, cm, bus, aggregator, decode, rep, behavior, stubTrainer, mset)

	eventbus.Subscribe(bus, eventbus.Concurrent, func(ev comms.MessageEvent) {
		if ev.Msg.Category != model.CategoryModel || ev.Msg.Action != model.ActionUpdate {
			return
		}
		if err := eng.IncludeExternalUpdate(ev.From, ev.Msg); err != nil {
			slog.Warn("dropping external update", "from", ev.From, "error", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- eng.Run(ctx) }()

	var runErr error
	var interrupted bool
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
		interrupted = true
		cancel()
		runErr = <-runErrCh
	case runErr = <-runErrCh:
	}

	if ctrlClient != nil && runErr == nil {
		finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ctrlClient.Finished(finCtx, cfg.Scenario.Name); err != nil {
			slog.Warn("controller finished report failed", "error", err)
		}
		finCancel()
	}

	switch {
	case interrupted:
		osExit(exitInterrupted)
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "fatal: %v\n", runErr)
		osExit(exitRuntimeError)
	default:
		osExit(exitOK)
	}
}

func reputationWeights(d config.DefenseConfig) reputation.Weights {
	if d.StaticMessageCount == 0 && d.StaticLatency == 0 && d.StaticParamChange == 0 && d.StaticSimilarity == 0 {
		return reputation.DefaultWeights
	}
	return reputation.Weights{
		MessageCount:   d.StaticMessageCount,
		ArrivalLatency: d.StaticLatency,
		ParamChange:    d.StaticParamChange,
		Similarity:     d.StaticSimilarity,
	}
}

func buildAggregator(a config.AggregatorConfig) (aggregation.Aggregator, aggregation.Decoder) {
	decode := func(b []byte) (param.Store, error) { return param.DecodeDenseVector(b) }

	rounding := aggregation.TrimFloor
	if a.TrimRounding == config.TrimCeil {
		rounding = aggregation.TrimCeil
	}

	switch a.Algorithm {
	case "Median":
		return aggregation.Median{}, decode
	case "TrimmedMean":
		beta := a.TrimBeta
		if beta <= 0 {
			beta = 0.1
		}
		return aggregation.TrimmedMean{Beta: beta, Rounding: rounding}, decode
	case "Krum":
		return aggregation.Krum{ByzantineCount: a.KrumByzantineCount}, decode
	default:
		return aggregation.FedAvg{}, decode
	}
}

func buildBehavior(roleName string, adv config.AdversarialConfig) role.Behavior {
	var base role.Behavior
	switch roleName {
	case "aggregator":
		base = role.Aggregator{}
	case "trainer_aggregator":
		base = role.TrainerAggregator{}
	case "server":
		base = role.Server{}
	case "proxy":
		base = role.Proxy{}
	case "idle":
		base = role.Idle{}
	default:
		base = role.Trainer{}
	}

	if len(adv.Attacks) == 0 {
		return base
	}
	return role.Malicious{Inner: base, Attack: buildAttack(adv.Attacks[0], adv.AttackParams)}
}

func buildAttack(name string, params map[string]interface{}) role.AttackStrategy {
	floatParam := func(key string, def float64) float64 {
		if v, ok := params[key]; ok {
			if f, ok := v.(float64); ok {
				return f
			}
		}
		return def
	}
	intParam := func(key string, def int) int {
		return int(floatParam(key, float64(def)))
	}

	switch name {
	case "delay":
		return role.DelayAttack{Delay: time.Duration(floatParam("delay_seconds", 1)) * time.Second}
	case "flooding":
		return role.FloodingAttack{Extra: intParam("extra_broadcasts", 3)}
	case "weight_tamper":
		return role.WeightTamperAttack{Factor: floatParam("factor", 10.0)}
	case "neuron_inversion":
		return role.NeuronInversionAttack{}
	default:
		return role.NoAttack{}
	}
}

// stubTrainer stands in for a real training backend, which spec §1/§6
// place out of scope: the core only needs something satisfying
// engine.Trainer to exercise the round loop end to end. It derives a
// deterministic vector from the round number rather than calling into
// any ML library.
func stubTrainer(ctx context.Context, round int32) (param.Store, error) {
	return param.DenseVector{float64(round), float64(round) * 2}, nil
}
