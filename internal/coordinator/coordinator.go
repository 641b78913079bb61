// Package coordinator builds the control plane from configuration and runs
// its background loops. Every component is owned by one Coordinator value;
// nothing is held in package state, so tests can run several side by side.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/robot-orchestrator/internal/admission"
	"github.com/hochfrequenz/robot-orchestrator/internal/api"
	"github.com/hochfrequenz/robot-orchestrator/internal/assignments"
	"github.com/hochfrequenz/robot-orchestrator/internal/config"
	"github.com/hochfrequenz/robot-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/robot-orchestrator/internal/dlq"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
	"github.com/hochfrequenz/robot-orchestrator/internal/fleet"
	"github.com/hochfrequenz/robot-orchestrator/internal/gateway"
	"github.com/hochfrequenz/robot-orchestrator/internal/logstream"
	"github.com/hochfrequenz/robot-orchestrator/internal/metrics"
	"github.com/hochfrequenz/robot-orchestrator/internal/store"
)

const purgeCheckInterval = time.Minute

// CredentialResolver looks up a named credential for a tenant. Robots
// resolve workflow credentials themselves; a resolver can be attached for
// integrations that need them on the coordinator side.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID, name string) (string, error)
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithCredentialResolver attaches a credential resolver
func WithCredentialResolver(r CredentialResolver) Option {
	return func(c *Coordinator) { c.credentials = r }
}

// Coordinator owns every control plane component
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger

	Store       *store.Store
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Fleet       *fleet.Registry
	Gate        *admission.Gate
	Resources   *admission.ResourcePool
	Dispatcher  *dispatch.Dispatcher
	DLQ         *dlq.Manager
	Assignments *assignments.Table
	Logs        *logstream.Stream
	Gateway     *gateway.Gateway
	API         *api.Server

	nats     *events.NATSPublisher
	registry *prometheus.Registry
	purge    *dlq.PurgeScheduler
	watcher  *assignments.Watcher
	logStore *logstream.Store
	server   *http.Server

	credentials CredentialResolver

	mu        sync.Mutex
	addr      string
	closeOnce sync.Once
}

// New builds every component in dependency order. On error, whatever was
// already opened is closed again.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Coordinator{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.build(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) build() error {
	cfg := c.cfg
	ctx := context.Background()

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	c.Store = st

	c.Bus = events.NewBus()
	var publisher events.Publisher = c.Bus
	if cfg.Events.NATSURL != "" {
		nc, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, c.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		c.nats = nc
		publisher = events.Multi{c.Bus, nc}
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.MustNew(c.registry)

	c.Fleet = fleet.NewRegistry(fleet.Options{
		HeartbeatTimeout: cfg.Fleet.HeartbeatTimeout.Duration,
		OfflineRemoval:   cfg.Fleet.OfflineRemoval.Duration,
		Logger:           c.logger.With("component", "fleet"),
		Events:           publisher,
		Metrics:          c.Metrics,
	})

	c.Gate = admission.NewGate(
		admission.NewRateLimiter(cfg.Admission.MaxExecutions, cfg.Admission.Window.Duration),
		admission.NewExecutionOptimizer(cfg.Admission.CoalesceWindow.Duration, cfg.Admission.MaxConcurrent),
		c.Metrics,
		c.logger.With("component", "admission"),
	)
	c.Resources = admission.NewResourcePool(cfg.Resources.Limits)

	rules := dispatch.DefaultRules()
	if cfg.Dispatch.CapabilityRules != "" {
		if rules, err = dispatch.LoadRules(cfg.Dispatch.CapabilityRules); err != nil {
			return fmt.Errorf("load capability rules: %w", err)
		}
	}
	detector, err := dispatch.NewKeywordDetector(rules, cfg.Dispatch.DetectorCacheSize)
	if err != nil {
		return fmt.Errorf("capability detector: %w", err)
	}

	if err := c.loadAssignments(ctx); err != nil {
		return err
	}

	c.Dispatcher = dispatch.New(c.Fleet, st, dispatch.Options{
		JobTimeout:  cfg.Dispatch.JobTimeout.Duration,
		MaxRetries:  cfg.Dispatch.MaxRetries,
		RetryBase:   cfg.Dispatch.RetryBase.Duration,
		RetryMax:    cfg.Dispatch.RetryMax.Duration,
		Assignments: c.Assignments,
		Admission:   c.Gate,
		Resources:   c.Resources,
		Detector:    detector,
		Logger:      c.logger.With("component", "dispatch"),
		Events:      publisher,
		Metrics:     c.Metrics,
	})
	c.DLQ = dlq.New(st, c.Dispatcher, dlq.Options{
		Logger:  c.logger.With("component", "dlq"),
		Events:  publisher,
		Metrics: c.Metrics,
	})
	c.Dispatcher.SetDeadLetterSink(c.DLQ)
	c.Dispatcher.SetSendFunc(c.Fleet.Send)
	c.Fleet.SetUnregisterHook(func(robotID string) { c.Dispatcher.RequeueRobot(robotID) })

	if c.purge, err = dlq.NewPurgeScheduler(c.DLQ, cfg.DLQ.PurgeSchedule, cfg.DLQ.RetentionDays); err != nil {
		return fmt.Errorf("dlq purge schedule: %w", err)
	}

	if c.logStore, err = logstream.Open(cfg.Logs.Path, cfg.Logs.TTL.Duration); err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	c.Logs = logstream.NewStream(c.logStore, logstream.NewHub(cfg.Logs.SubscriberBuffer), cfg.Logs.Backlog,
		c.logger.With("component", "logstream"))

	auth := gateway.StaticAuthenticator{AdminSecret: cfg.Auth.AdminSecret, RobotKeys: cfg.Auth.RobotKeys}
	c.Gateway = gateway.New(gateway.Options{
		Auth:              auth,
		Fleet:             c.Fleet,
		Jobs:              c.Dispatcher,
		Logs:              c.Logs,
		Events:            c.Bus,
		Ready:             c.Ready,
		HeartbeatInterval: cfg.Fleet.HeartbeatInterval.Duration,
		PingInterval:      cfg.Fleet.PingInterval.Duration,
		ReadTimeout:       cfg.Fleet.ReadTimeout.Duration,
		Logger:            c.logger.With("component", "gateway"),
		Metrics:           c.Metrics,
	})
	c.API = api.NewServer(api.Options{
		Jobs:                 c.Dispatcher,
		Fleet:                c.Fleet,
		DeadLetters:          c.DLQ,
		Auth:                 auth,
		Events:               c.Bus,
		Gatherer:             c.registry,
		Ready:                c.Ready,
		Mount:                c.Gateway.Routes,
		RequestTimeout:       cfg.Server.RequestTimeout.Duration,
		DefaultRetentionDays: cfg.DLQ.RetentionDays,
		MutationRate:         cfg.DLQ.MutationRate,
		MutationBurst:        cfg.DLQ.MutationBurst,
		Logger:               c.logger.With("component", "api"),
	})
	c.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           c.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// loadAssignments seeds the table from the store, then from the assignment
// file when one is configured. The file wins and is written back.
func (c *Coordinator) loadAssignments(ctx context.Context) error {
	c.Assignments = assignments.NewTable()

	stored, err := c.Store.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("load assignments: %w", err)
	}
	if err := c.Assignments.Replace(stored); err != nil {
		return fmt.Errorf("stored assignments: %w", err)
	}

	file := c.cfg.Assignments.File
	if file == "" {
		return nil
	}
	list, err := assignments.LoadFile(file)
	if err != nil {
		return err
	}
	if err := c.Assignments.Replace(list); err != nil {
		return err
	}
	if err := c.Store.ReplaceAssignments(ctx, list); err != nil {
		return fmt.Errorf("persist assignments: %w", err)
	}
	c.logger.Info("loaded robot assignments", "file", file, "count", len(list))

	if c.cfg.Assignments.Watch {
		c.watcher, err = assignments.NewWatcher(file, c.Assignments, c.Store,
			c.cfg.Assignments.Debounce.Duration, c.logger.With("component", "assignments"))
		if err != nil {
			return fmt.Errorf("watch assignments: %w", err)
		}
	}
	return nil
}

// Ready reports whether the durable store is reachable
func (c *Coordinator) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Credentials returns the attached credential resolver, if any
func (c *Coordinator) Credentials() CredentialResolver {
	return c.credentials
}

// Addr returns the listen address once Run has bound it
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Run recovers persisted jobs and serves until ctx is cancelled or a
// background loop fails
func (c *Coordinator) Run(ctx context.Context) error {
	recovered, err := c.Dispatcher.Recover(ctx)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.server.Addr, err)
	}
	c.mu.Lock()
	c.addr = ln.Addr().String()
	c.mu.Unlock()
	c.logger.Info("coordinator listening", "addr", c.addr, "recovered_jobs", recovered)

	g, ctx := errgroup.WithContext(ctx)
	// streaming handlers end when the run context does
	c.server.BaseContext = func(net.Listener) context.Context { return ctx }

	g.Go(func() error {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		c.Gateway.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return c.Fleet.Run(ctx, c.cfg.Fleet.SweepInterval.Duration)
	})
	g.Go(func() error {
		return c.Dispatcher.Run(ctx, c.cfg.Dispatch.LoopInterval.Duration)
	})
	g.Go(func() error {
		return c.logStore.Run(ctx, c.cfg.Logs.CleanupInterval.Duration)
	})
	g.Go(func() error {
		return c.purge.Run(ctx, purgeCheckInterval)
	})
	if c.watcher != nil {
		g.Go(func() error {
			return c.watcher.Run(ctx)
		})
	}

	return g.Wait()
}

// Close releases the store, the log store, the event bridge and the bus.
// It is safe to call more than once.
func (c *Coordinator) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		if c.watcher != nil {
			errs = append(errs, c.watcher.Close())
		}
		if c.Bus != nil {
			c.Bus.Close()
		}
		if c.nats != nil {
			errs = append(errs, c.nats.Close())
		}
		if c.logStore != nil {
			errs = append(errs, c.logStore.Close())
		}
		if c.Store != nil {
			errs = append(errs, c.Store.Close())
		}
	})
	return errors.Join(errs...)
}
