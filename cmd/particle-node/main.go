// Command particle-node runs a single peer of the particle processing
// network: it admits inbound particles over gRPC, schedules them through
// the Plumber/Dispatcher pair, executes them against a pool of AIR
// interpreters, and routes their effects onward to other peers or back
// into this node.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/particle-node/internal/air"
	"github.com/oriys/particle-node/internal/circuitbreaker"
	"github.com/oriys/particle-node/internal/config"
	"github.com/oriys/particle-node/internal/datastore"
	"github.com/oriys/particle-node/internal/dispatcher"
	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/effects"
	"github.com/oriys/particle-node/internal/execution"
	"github.com/oriys/particle-node/internal/hostfn"
	"github.com/oriys/particle-node/internal/logging"
	"github.com/oriys/particle-node/internal/metrics"
	"github.com/oriys/particle-node/internal/observability"
	"github.com/oriys/particle-node/internal/peertransport"
	"github.com/oriys/particle-node/internal/plumber"
	"github.com/oriys/particle-node/internal/vault"
	"github.com/oriys/particle-node/internal/vmpool"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "particle-node",
		Short: "Run a particle processing network peer",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a JSON config file (defaults applied when omitted)")
	root.AddCommand(newSubmitCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	log := logging.Op()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if cfg.Observability.Metrics.Enabled {
		metrics.Init(cfg.Observability.Metrics.Namespace)
	}

	store, err := datastore.NewStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect particle data store: %w", err)
	}
	defer store.Close()
	cache := datastore.NewCache(store, cfg.Plumber.IdleTimeout)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer redisClient.Close()
	}
	anomalies := datastore.NewAnomalyQueue(filepath.Join(cfg.Vault.Root, "..", "anomaly"), 1024, store, redisClient, cfg.Redis.Key)
	go anomalies.Run(ctx)

	vlt, err := vault.New(cfg.Vault.Root)
	if err != nil {
		return fmt.Errorf("provision vault root: %w", err)
	}

	hostfns := hostfn.NewRegistry()

	pool := vmpool.New(cfg.Pool.Size, func(ctx context.Context) (air.Interpreter, error) {
		return air.NewReferenceInterpreter(), nil
	})
	defer pool.Close()

	executor := execution.New(pool, cache, hostfns, vlt, execution.Config{
		InvocationTimeout: 5 * time.Second,
	}).WithAnomalySink(anomalies)

	peerAddrs := make(map[domain.PeerID]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerAddrs[domain.PeerID(p.ID)] = p.Addr
	}
	sender := peertransport.NewGRPCSender(peerAddrs)
	defer sender.Close()

	sched := plumber.New(plumber.Config{
		MaxInFlightParticles: cfg.Plumber.MaxInFlightParticles,
		IdleTimeout:          cfg.Plumber.IdleTimeout,
		VaultTeardown: func(particleID string) {
			if err := vlt.Teardown(particleID); err != nil {
				log.Warn("vault teardown failed", "particle_id", particleID, "error", err)
			}
		},
	})

	breakers := circuitbreaker.NewRegistry()
	breakerCfg := circuitbreaker.Config{
		ErrorPct:       cfg.Breaker.ErrorPct,
		WindowDuration: cfg.Breaker.WindowDuration,
		OpenDuration:   cfg.Breaker.OpenDuration,
		HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
	}

	disp := dispatcher.New(sched, executor, nil, hostfns, dispatcher.Config{
		PollInterval:    cfg.Plumber.PollInterval,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
	})
	translator := effects.New(effects.Config{SelfPeer: domain.PeerID(cfg.SelfPeerID)}, hostfns, sender, disp, breakers, breakerCfg)
	disp.SetTranslator(translator)

	receiver := peertransport.NewGRPCReceiver(disp)
	if err := receiver.Start(cfg.GRPC.Addr); err != nil {
		return fmt.Errorf("start peer transport: %w", err)
	}
	defer receiver.Stop()

	disp.Start()
	defer disp.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: observability.HTTPMiddleware(mux)}
	go func() {
		log.Info("http endpoint listening", "addr", cfg.Daemon.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http endpoint failed", "error", err)
		}
	}()

	log.Info("particle node started", "grpc_addr", receiver.Addr().String(), "self_peer_id", cfg.SelfPeerID)
	actorSnapshot, err := hostfns.Snapshot(ctx)
	if err == nil {
		log.Debug("host capability snapshot at startup", "count", len(actorSnapshot))
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http endpoint shutdown failed", "error", err)
	}

	return nil
}
