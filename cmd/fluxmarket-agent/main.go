// Command fluxmarket-agent runs one node agent: the service bus and network
// overlay (C1/C2), subscription store and discovery gossip (C4/C5),
// negotiation graph and agreement store (C6/C7), and the payment subsystem
// (C8-C12), wired together the way the teacher's cmd/synnergy boots its
// mock testnet, generalized into a real cobra command tree.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fluxmarket/node/internal/discovery"
	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
	"github.com/fluxmarket/node/internal/negotiation"
	"github.com/fluxmarket/node/internal/overlay"
	"github.com/fluxmarket/node/internal/payment/billing"
	"github.com/fluxmarket/node/internal/payment/cost"
	"github.com/fluxmarket/node/internal/payment/deadline"
	"github.com/fluxmarket/node/internal/payment/orchestrator"
	"github.com/fluxmarket/node/internal/payment/platform"
	"github.com/fluxmarket/node/internal/store"
	"github.com/fluxmarket/node/internal/subscription"
	"github.com/fluxmarket/node/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "fluxmarket-agent"}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge (matches NODE_ENV)")
	return cmd
}

func run(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.WithField("component", "agent")
	zlog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build zap logger: %w", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// C1 + C2: the bus needs a Transport at construction, but the overlay
	// needs the bus as its LocalBus, so wiring is two-phase (see
	// gsb.Bus.SetTransport).
	bus := gsb.New(nil)
	res, err := newStaticResolver(cfg.Network.BootstrapPeers)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}
	ov, err := overlay.New(overlay.Config{ListenAddr: cfg.Network.ListenAddr}, bus, res)
	if err != nil {
		return fmt.Errorf("start overlay: %w", err)
	}
	defer ov.Close()
	bus.SetTransport(ov)

	self := ov.NodeID()
	if cfg.Network.NodeID != "" {
		self = identity.NodeID(cfg.Network.NodeID)
	}
	log = log.WithField("node_id", self)
	log.Info("node agent starting")

	// C4: subscription store backed by the in-memory DAO reference impl.
	kv := store.NewMemStore()
	subs := subscription.New(kv, 24*time.Hour)
	go subs.Run(ctx, time.Minute)

	// C5: gossip discovery of provider offers.
	discCfg := discovery.Config{
		MaxBcastedOffers:       cfg.Discovery.MaxBcastedOffers,
		MaxBcastedUnsubscribes: cfg.Discovery.MaxBcastedUnsubscribes,
		BroadcastInterval:      time.Duration(cfg.Discovery.MeanCyclicBcastIntervalMS) * time.Millisecond,
	}
	disc := discovery.New(bus, self, subs, subs, discCfg)
	go disc.Run(ctx)

	// C6 + C7: negotiation graph and bilateral agreement state machine.
	notifier := negotiation.NewNotifier(1000)
	graph := negotiation.NewGraph(subs, bus, self, notifier)
	agreements := negotiation.NewAgreementStore(bus, self, notifier, 30*time.Second)
	_ = graph
	_ = agreements

	// C8-C11: the payment subsystem, one orchestrator per node.
	costEngine := cost.NewEngine(&busActivityAPI{bus: bus, self: self})
	deadlines := deadline.NewChecker()
	go deadlines.Run(ctx)

	payPlatform := platform.NewMemPlatform()
	_ = payPlatform
	batchPlanner := platform.NewBatchPlanner()
	_ = batchPlanner

	chain := billing.NewChain(deadlines, &busDocumentSender{bus: bus, self: self}, nil, sugar)
	invoicer := billing.NewInvoicer(&busDocumentSender{bus: bus, self: self}, sugar)
	orch := orchestrator.NewOrchestrator(costEngine, chain, invoicer, deadlines, sugar)
	chain.SetBreaker(orch)

	elapsed := deadlines.Subscribe(64)
	go orch.RunDeadlineDispatch(ctx, elapsed)

	go func() {
		for b := range orch.Breaks() {
			log.WithField("agreement_id", b.AgreementID).WithField("reason", b.Reason).
				Warn("agreement break requested")
		}
	}()

	log.WithField("listen_addr", cfg.Network.ListenAddr).Info("node agent ready")
	<-ctx.Done()
	log.Info("node agent shutting down")
	return nil
}

// staticResolver resolves every BootstrapPeers entry it was given, matched
// by peer id, and refuses anything else; a DHT- or relay-backed Resolver is
// a deployment concern left to operators (spec §4.2's "a relay endpoint
// resolves NodeId to a transport route").
type staticResolver struct {
	routes map[identity.NodeID]peer.AddrInfo
}

func newStaticResolver(bootstrap []string) (*staticResolver, error) {
	r := &staticResolver{routes: make(map[identity.NodeID]peer.AddrInfo)}
	for _, addr := range bootstrap {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return nil, fmt.Errorf("parse bootstrap peer %q: %w", addr, err)
		}
		r.routes[identity.NodeID(info.ID.String())] = *info
	}
	return r, nil
}

func (r *staticResolver) Resolve(ctx context.Context, node identity.NodeID) (peer.AddrInfo, error) {
	info, ok := r.routes[node]
	if !ok {
		return peer.AddrInfo{}, fmt.Errorf("resolver: no known route to %s", node)
	}
	return info, nil
}

// busActivityAPI and busDocumentSender stand in for the execution layer
// spec.md places out-of-scope ("the execution layer that actually runs
// workloads"): the real usage source and debit-note/invoice recipients
// belong to the exe-unit/activity runtime this repository does not own. A
// production deployment replaces these with an adapter into that runtime;
// here they fail loudly rather than silently dropping billing work.

type busActivityAPI struct {
	bus  *gsb.Bus
	self identity.NodeID
}

func (a *busActivityAPI) UsageVector(ctx context.Context, id model.ActivityID) (model.UsageVector, error) {
	return nil, fmt.Errorf("activity usage source not configured for %s", id)
}

type busDocumentSender struct {
	bus  *gsb.Bus
	self identity.NodeID
}

func (s *busDocumentSender) SendDebitNote(ctx context.Context, note *model.DebitNote) error {
	return fmt.Errorf("debit note recipient routing not configured for activity %s", note.ActivityID)
}

func (s *busDocumentSender) SendInvoice(ctx context.Context, inv *model.Invoice) error {
	return fmt.Errorf("invoice recipient routing not configured for agreement %s", inv.AgreementID)
}
