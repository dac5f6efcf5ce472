// Package kansas wires the token, usage, migration and maintenance
// components over one Redis store and one event bus.
package kansas

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/pario-ai/kansas/pkg/accounting"
	"github.com/pario-ai/kansas/pkg/config"
	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/journal"
	"github.com/pario-ai/kansas/pkg/maintenance"
	"github.com/pario-ai/kansas/pkg/metrics"
	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/period"
	"github.com/pario-ai/kansas/pkg/policy"
	"github.com/pario-ai/kansas/pkg/store"
	"github.com/pario-ai/kansas/pkg/token"
	"github.com/pario-ai/kansas/pkg/usage"
)

// Options overrides collaborators New would otherwise build from config.
type Options struct {
	Logger hclog.Logger
	// Client replaces the Redis client built from cfg.Redis.
	Client redis.UniversalClient
	Clock  clock.PassiveClock
	// Registry receives the metrics collectors. A fresh registry is used
	// when nil.
	Registry *prometheus.Registry
}

// Kansas is a configured instance.
type Kansas struct {
	cfg      *config.Config
	logger   hclog.Logger
	store    *store.Store
	policies *policy.Registry
	bus      *events.Bus
	tokens   *token.Manager
	usage    *usage.Engine
	migrator *accounting.Migrator
	scanner  *maintenance.Scanner
	metrics  *metrics.Metrics
	journal  *journal.Journal
	closers  []func()
}

// New builds an instance from cfg and registers its declared policies.
// The Redis connection is not checked until Connect.
func New(cfg *config.Config, opts Options) (*Kansas, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	var s *store.Store
	if opts.Client != nil {
		s = store.NewWithClient(opts.Client, cfg.Redis.Prefix)
	} else {
		s = store.New(cfg.Redis)
	}

	k := &Kansas{
		cfg:      cfg,
		logger:   opts.Logger,
		store:    s,
		policies: policy.NewRegistry(),
		bus:      events.NewBus(),
		metrics:  metrics.New(opts.Registry),
	}
	if err := k.RegisterPolicies(cfg.Policies); err != nil {
		_ = s.Close()
		return nil, err
	}

	periods := period.New(opts.Clock)
	k.tokens = token.New(s, k.policies, periods, k.bus, token.Options{
		Logger:          opts.Logger,
		StrictMaxTokens: cfg.Tokens.StrictMaxTokens,
		MaxRetries:      cfg.Tokens.MaxRetries,
	})
	k.usage = usage.New(s, periods, k.tokens, k.bus, opts.Logger)
	k.migrator = accounting.New(s, k.policies, periods, k.tokens, k.bus, opts.Logger)
	k.scanner = maintenance.NewScanner(s, periods, maintenance.ScannerOptions{
		Logger:      opts.Logger,
		Concurrency: cfg.Prepopulate.Concurrency,
		ScanCount:   cfg.Prepopulate.ScanCount,
		Observer:    k.metrics,
	})

	stop, err := k.metrics.Attach(k.bus, opts.Registry)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	k.closers = append(k.closers, stop)

	if cfg.Journal.Enabled {
		j, err := journal.New(cfg.Journal, opts.Logger)
		if err != nil {
			stop()
			_ = s.Close()
			return nil, err
		}
		j.Attach(k.bus)
		k.journal = j
	}
	return k, nil
}

// Connect verifies the Redis connection.
func (k *Kansas) Connect(ctx context.Context) error {
	if err := k.store.Ping(ctx); err != nil {
		return err
	}
	k.logger.Info("connected to redis", "prefix", store.KeyPrefix(k.store.Prefix()))
	return nil
}

// RegisterPolicies creates every policy not yet registered. Existing names
// are kept as they are.
func (k *Kansas) RegisterPolicies(ps []models.Policy) error {
	for _, p := range ps {
		if k.policies.Has(p.Name) {
			continue
		}
		created, err := k.policies.Create(p)
		if err != nil {
			return fmt.Errorf("register policy: %w", err)
		}
		k.logger.Debug("policy registered", "policy", created.Name, "period", created.Period)
	}
	return nil
}

// Create registers a policy. Registering an existing name returns the
// policy already stored.
func (k *Kansas) Create(p models.Policy) (models.Policy, error) {
	return k.policies.Create(p)
}

// Policy returns a registered policy.
func (k *Kansas) Policy(name string) (models.Policy, error) {
	return k.policies.Get(name)
}

// Policies returns every registered policy.
func (k *Kansas) Policies() []models.Policy {
	return k.policies.List()
}

// Set creates a token.
func (k *Kansas) Set(ctx context.Context, req models.TokenRequest) (*models.Token, error) {
	return k.tokens.Set(ctx, req)
}

// Get returns a token with its usage, or nil if it does not exist.
func (k *Kansas) Get(ctx context.Context, token string) (*models.Token, error) {
	return k.tokens.Get(ctx, token)
}

// GetByOwnerID returns every token of an owner.
func (k *Kansas) GetByOwnerID(ctx context.Context, ownerID string) ([]models.Token, error) {
	return k.tokens.GetByOwnerID(ctx, ownerID)
}

// Del deletes a token.
func (k *Kansas) Del(ctx context.Context, token string) error {
	return k.tokens.Del(ctx, token)
}

// Consume takes units from a limit-mode token.
func (k *Kansas) Consume(ctx context.Context, token string, units int64) (int64, error) {
	return k.usage.Consume(ctx, token, units)
}

// Count adds units to a count-mode token.
func (k *Kansas) Count(ctx context.Context, token string, units int64) (int64, error) {
	return k.usage.Count(ctx, token, units)
}

// Usage returns the current period figure of a token.
func (k *Kansas) Usage(ctx context.Context, token string) (int64, error) {
	return k.usage.Usage(ctx, token)
}

// UsageByOwner returns every token of an owner with its usage.
func (k *Kansas) UsageByOwner(ctx context.Context, ownerID string) ([]models.Token, error) {
	return k.usage.UsageByOwner(ctx, ownerID)
}

// ChangePolicy moves an owner's tokens to another policy.
func (k *Kansas) ChangePolicy(ctx context.Context, change models.PolicyChange) error {
	return k.migrator.ChangePolicy(ctx, change)
}

// Prepopulate seeds missing current and next period counters.
func (k *Kansas) Prepopulate(ctx context.Context) (maintenance.Stats, error) {
	return k.scanner.Prepopulate(ctx)
}

// Scheduler returns a scheduler running Prepopulate on the configured
// schedule.
func (k *Kansas) Scheduler() *maintenance.Scheduler {
	return maintenance.NewScheduler(k.scanner, k.cfg.Prepopulate.Schedule, k.logger)
}

// Nuke deletes every record under the configured prefix.
func (k *Kansas) Nuke(ctx context.Context, confirm, prefix string) (int64, error) {
	return maintenance.Nuke(ctx, k.store, confirm, prefix, k.cfg.Prepopulate.ScanCount, k.logger)
}

// Events returns the bus every operation publishes to.
func (k *Kansas) Events() *events.Bus {
	return k.bus
}

// Metrics returns the instance collectors.
func (k *Kansas) Metrics() *metrics.Metrics {
	return k.metrics
}

// Journal returns the event journal, or nil when disabled.
func (k *Kansas) Journal() *journal.Journal {
	return k.journal
}

// Close stops event observers and releases the Redis connection.
func (k *Kansas) Close() error {
	for _, c := range k.closers {
		c()
	}
	var jerr error
	if k.journal != nil {
		jerr = k.journal.Close()
	}
	k.bus.Close()
	if err := k.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return jerr
}
