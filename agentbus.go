// Package agentbus is the composition root of the event messaging layer: it
// builds the durable backend, bus, and store from configuration, and runs
// them as a process with observability and signal handling.
package agentbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentbus-dev/agentbus/bus"
	"github.com/agentbus-dev/agentbus/event"
	"github.com/agentbus-dev/agentbus/pkg/config"
	"github.com/agentbus-dev/agentbus/pkg/observability"
	"github.com/agentbus-dev/agentbus/store"
	"github.com/agentbus-dev/agentbus/store/firestore"
	"github.com/agentbus-dev/agentbus/store/memory"
	"github.com/agentbus-dev/agentbus/store/redis"
)

// System owns the constructed bus, store, and backend for one process
// instance. There is no hidden singleton; callers hold the System they open.
type System struct {
	Store   *store.Store
	cfg     *config.Config
	backend store.Backend
	obs     *observability.Server
	started bool
}

// Open builds a System from configuration: backend per cfg.Backend, bus per
// cfg.Bus, store per cfg.Store, all initialized and ready for Publish.
func Open(ctx context.Context, cfg *config.Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := bus.New(
		bus.WithHistorySize(cfg.Bus.HistorySize),
		bus.WithStatsInterval(cfg.Bus.StatsInterval.Std()),
		bus.WithStatsSamples(cfg.Bus.StatsSamples),
	)

	opts := []store.Option{
		store.WithBatchSize(cfg.Store.BatchSize),
		store.WithFlushInterval(cfg.Store.FlushInterval.Std()),
		store.WithSync(cfg.Store.SyncEnabled),
		store.WithDedupTTL(cfg.Store.DedupWindow.Std()),
		store.WithRetention(cfg.Store.Retention.Std(), cfg.Store.RetentionCron),
		store.WithReplayWindow(cfg.Store.ReplayWindow.Std()),
	}
	if cfg.Store.PersistAll {
		opts = append(opts, store.WithPersistAll())
	} else if len(cfg.Store.PersistTypes) > 0 {
		types := make([]event.Type, len(cfg.Store.PersistTypes))
		for i, t := range cfg.Store.PersistTypes {
			types[i] = event.Type(t)
		}
		opts = append(opts, store.WithPersistTypes(types...))
	}

	s := store.New(b, backend, opts...)
	if err := s.Initialize(ctx); err != nil {
		b.Shutdown()
		_ = backend.Close()
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	return &System{Store: s, cfg: cfg, backend: backend}, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "redis":
		backend, err := redis.New(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		return backend, nil
	case "firestore":
		backend, err := firestore.New(ctx,
			firestore.WithProjectID(cfg.Firestore.ProjectID),
			firestore.WithCredentialsFile(cfg.Firestore.CredentialsFile),
			firestore.WithCollection(cfg.Firestore.Collection),
		)
		if err != nil {
			return nil, fmt.Errorf("open firestore backend: %w", err)
		}
		return backend, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Bus exposes the underlying bus.
func (s *System) Bus() *bus.Bus { return s.Store.Bus() }

// Start brings up tracing and the metrics/health server when enabled.
func (s *System) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	s.started = true

	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("[System] tracing init failed, continuing without: %v", err)
	}

	if s.cfg.Observability.Enabled {
		observability.InitMetrics()
		checker := observability.InitHealthChecker()
		checker.RegisterCheck(observability.PingCheck())
		checker.RegisterCheck(observability.BackendCheck(s.cfg.Backend, func(ctx context.Context) error {
			_, err := s.backend.Query(ctx, store.QueryFilter{Limit: 1})
			return err
		}))
		s.obs = observability.NewServer(s.cfg.Observability.Port)
		go func() {
			if err := s.obs.Start(); err != nil {
				log.Printf("[System] observability server: %v", err)
			}
		}()
		log.Printf("[System] observability listening on :%d", s.cfg.Observability.Port)
	}
	return nil
}

// Close shuts everything down: store (flush, feed, bus, backend), then the
// observability server and tracing.
func (s *System) Close(ctx context.Context) error {
	err := s.Store.Shutdown(ctx)

	if s.obs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if obsErr := s.obs.Shutdown(shutdownCtx); obsErr != nil {
			log.Printf("[System] observability shutdown: %v", obsErr)
		}
		cancel()
	}
	if traceErr := observability.ShutdownTracing(ctx); traceErr != nil {
		log.Printf("[System] tracing shutdown: %v", traceErr)
	}
	return err
}

// Run loads configuration, opens a System, and blocks until SIGINT/SIGTERM.
func Run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	sys, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	if err := sys.Start(ctx); err != nil {
		return err
	}

	log.Printf("[System] running (backend=%s)", cfg.Backend)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("[System] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sys.Close(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}
