// Package main implements the silo process, which hosts grain
// activations, participates in the directory's hash-partitioned
// routing, and optionally exposes a client-facing gateway.
//
// A silo is the unit of deployment for Silomesh's virtual-actor
// runtime: it owns a slice of the grain directory, activates and
// evicts grains on demand, and exchanges framed envelopes with its
// peers over a long-lived TCP link.
//
// Configuration (siloconf.FromEnv, SPEC_FULL.md §3):
//   - SILO_LISTEN: silo-to-silo listen address (default ":7000")
//   - SILO_PUBLIC_ADDR: this silo's address as advertised to peers
//   - SILO_GATEWAY_LISTEN: client-facing listen address; empty disables
//     the gateway in this process
//   - SILO_SEEDS: comma-separated peer endpoints (currently accepted
//     but inert — see joinSeeds)
//   - SILO_HOP_LIMIT, SILO_RESPONSE_TIMEOUT, SILO_REENTRANCY_DEFAULT,
//     SILO_SCHEDULER_WORKERS, SILO_COLLECTION_AGE_DEFAULT, ...: runtime
//     tunables, see internal/siloconf
//
// Example usage:
//
//	SILO_LISTEN=:7000 \
//	SILO_PUBLIC_ADDR=127.0.0.1:7000 \
//	SILO_GATEWAY_LISTEN=:8000 \
//	./silo
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/silomesh/internal/catalog"
	"github.com/dreamware/silomesh/internal/collector"
	"github.com/dreamware/silomesh/internal/directory"
	"github.com/dreamware/silomesh/internal/dispatch"
	"github.com/dreamware/silomesh/internal/gateway"
	"github.com/dreamware/silomesh/internal/grain"
	"github.com/dreamware/silomesh/internal/kvgrain"
	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/membership"
	"github.com/dreamware/silomesh/internal/scheduler"
	"github.com/dreamware/silomesh/internal/siloconf"
	"github.com/dreamware/silomesh/internal/wire"
)

func main() {
	cfg := siloconf.FromEnv()
	log := logging.New(os.Stderr, "silo")

	self := wire.SiloAddress{Endpoint: cfg.SiloPublicAddr, Generation: wire.NewGeneration()}

	members := membership.New(log.With("membership"))
	ctx := context.Background()
	if _, err := members.Join(ctx, self); err != nil {
		log.Fatalf("join self into membership: %v", err)
	}
	if _, err := members.Advance(ctx, self, membership.Active); err != nil {
		log.Fatalf("advance self to active: %v", err)
	}
	joinSeeds(log, cfg.SeedSilos)

	transport := dispatch.NewTransport(5*time.Second, log.With("transport"))
	defer transport.Close()

	dir := directory.New(directory.Config{
		Self:             self,
		Members:          members,
		Remote:           dispatch.NewRemoteDirectory(transport),
		Log:              log.With("directory"),
		HopLimit:         cfg.HopLimit,
		CacheSize:        4096,
		StabilizeTimeout: cfg.InitialStabilizationTimeout,
	})

	wheel := collector.New(cfg.CollectionQuantum, log.With("collector"))

	store := grain.NewMemoryStore()
	cat := catalog.New(catalog.Config{
		Self:         self,
		Directory:    dir,
		Activator:    &kvgrain.Activator{Store: store},
		Wheel:        wheel,
		AgeLimit:     cfg.CollectionAgeFor,
		ReentrantFor: cfg.ReentrantFor,
		Log:          log.With("catalog"),
	})

	sched := scheduler.New(cfg.SchedulerWorkers, log.With("scheduler"))

	invoker := grain.NewInvoker(cat)
	mc := dispatch.New(dispatch.Config{
		Self:            self,
		Directory:       dir,
		Catalog:         cat,
		Scheduler:       sched,
		Transport:       transport,
		Invoker:         invoker,
		Log:             log.With("dispatch"),
		MaxForwardCount: cfg.MaxForwardCount,
		ResponseTimeout: cfg.ResponseTimeout,
	})

	listener := dispatch.NewListener(dir, mc, log.With("dispatch.listener"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dir.Run(ctx)
	go wheel.Run(ctx, cfg.CollectionQuantum, func(items []collector.StaleItem) {
		for _, item := range items {
			g, ok := item.Key.(wire.GrainIdentity)
			if !ok {
				continue
			}
			if cat.ConsiderForCollection(g, cfg.CollectionAgeFor(g.Type)) {
				if err := cat.CompleteCollection(ctx, g, nil); err != nil {
					log.Warnf("collect %s: %v", g, err)
				}
			}
		}
	})

	siloLn, err := net.Listen("tcp", cfg.SiloListen)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.SiloListen, err)
	}
	go func() {
		log.Infof("silo %s listening on %s (public %s)", self, cfg.SiloListen, cfg.SiloPublicAddr)
		if err := listener.Serve(ctx, siloLn); err != nil {
			log.Errorf("silo listener stopped: %v", err)
		}
	}()

	var gw *gateway.Server
	if cfg.GatewayListen != "" {
		gw = gateway.New(gateway.Config{
			Self:              self,
			Dispatcher:        mc,
			Forwarder:         transport,
			Log:               log.With("gateway"),
			ResponseTimeout:   cfg.ResponseTimeout,
			ClientDropTimeout: cfg.ClientDropTimeout,
		})
		gwLn, err := net.Listen("tcp", cfg.GatewayListen)
		if err != nil {
			log.Fatalf("listen on %s: %v", cfg.GatewayListen, err)
		}
		go func() {
			log.Infof("gateway listening on %s", cfg.GatewayListen)
			if err := gw.Serve(ctx, gwLn); err != nil {
				log.Errorf("gateway listener stopped: %v", err)
			}
		}()
		go func() {
			ticker := time.NewTicker(cfg.ClientDropTimeout / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					gw.CleanupOnce(now)
				}
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Infof("silo %s shutting down", self)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if _, err := members.Advance(shutdownCtx, self, membership.ShuttingDown); err != nil {
		log.Warnf("advance to shutting_down: %v", err)
	}

	cancel()
	sched.Shutdown()
	_ = listener.Close()
	if gw != nil {
		_ = gw.Close()
	}
	log.Infof("silo %s stopped", self)
}

// joinSeeds logs the configured seed list. Cross-process membership
// propagation (gossip, anti-entropy, or a join RPC against a seed) is
// an explicit non-goal (SPEC_FULL.md §4, internal/membership's own
// package doc): internal/membership is an in-process oracle, and this
// repo carries no wire protocol for one silo to learn of another's
// existence. SeedSilos is accepted configuration for a future
// collaborator to consume, not dead code to silently drop — the
// accurate behavior today is to log it and proceed single-silo.
func joinSeeds(log *logging.Logger, seeds []string) {
	if len(seeds) == 0 {
		return
	}
	log.Warnf("seeds configured (%v) but cross-process membership join is not implemented; running single-silo", seeds)
}
