package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime"
)

// Config configures a Manager.
type Config struct {
	// Sizing returns the sizing for a language. Nil uses DefaultSizing.
	Sizing func(api.Language) Sizing

	// Dedicated lists service tiers that get their own partition per
	// language. Other tiers share the default partition.
	Dedicated []string

	ScaleInterval    time.Duration
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	ProvisionTimeout time.Duration
	MaxQueueWait     time.Duration
}

// DefaultSizing is used when Config.Sizing is nil.
var DefaultSizing = Sizing{MinWarm: 1, MaxSize: 8, IdleTTL: 5 * time.Minute}

func (c *Config) applyDefaults() {
	if c.Sizing == nil {
		c.Sizing = func(api.Language) Sizing { return DefaultSizing }
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 10 * time.Second
	}
	if c.MaxQueueWait <= 0 {
		c.MaxQueueWait = 5 * time.Second
	}
}

// AcquireOptions selects the partition to lease from.
type AcquireOptions struct {
	Language api.Language
	TenantID string
	Tier     string
}

// Manager owns every pool partition.
type Manager struct {
	cfg       Config
	pools     map[Key]*Pool
	dedicated map[string]bool
}

// NewManager creates one shared partition per provisioner and one
// dedicated partition per configured tier.
func NewManager(provisioners []runtime.Provisioner, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		pools:     make(map[Key]*Pool),
		dedicated: make(map[string]bool),
	}
	for _, tier := range cfg.Dedicated {
		m.dedicated[tier] = true
	}
	for _, prov := range provisioners {
		lang := prov.Language()
		sizing := cfg.Sizing(lang)
		partitions := append([]string{""}, cfg.Dedicated...)
		for _, part := range partitions {
			key := Key{Language: lang, Partition: part}
			m.pools[key] = newPool(key, prov, sizing, cfg.ProvisionTimeout, cfg.MaxQueueWait)
		}
	}
	return m
}

// Pool returns the partition serving lang for tier.
func (m *Manager) Pool(lang api.Language, tier string) (*Pool, error) {
	key := Key{Language: lang}
	if m.dedicated[tier] {
		key.Partition = tier
	}
	p, ok := m.pools[key]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedLanguage, lang)
	}
	return p, nil
}

// Acquire leases a worker from the partition serving opts.
func (m *Manager) Acquire(ctx context.Context, opts AcquireOptions) (*Lease, error) {
	p, err := m.Pool(opts.Language, opts.Tier)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, opts.TenantID)
}

// Languages lists the languages with a provisioner.
func (m *Manager) Languages() []api.Language {
	seen := make(map[api.Language]bool)
	var out []api.Language
	for k := range m.pools {
		if !seen[k.Language] {
			seen[k.Language] = true
			out = append(out, k.Language)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Warm brings every partition up to min_warm.
func (m *Manager) Warm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m.pools {
		g.Go(func() error {
			if err := p.Scale(gctx); err != nil {
				return fmt.Errorf("warming %s: %w", p.key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run drives the scaler and health checks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	scale := newTicker(m.cfg.ScaleInterval)
	defer scale.stop()
	health := newTicker(m.cfg.HealthInterval)
	defer health.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scale.c:
			for _, p := range m.pools {
				if err := p.Scale(ctx); err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
					slog.Warn("pool scaling failed", "pool", p.key, "error", err)
				}
			}
		case <-health.c:
			for _, p := range m.pools {
				p.CheckHealth(ctx, m.cfg.HealthTimeout)
			}
		}
	}
}

// Stats returns a snapshot of every partition, sorted by key.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Language != out[j].Language {
			return out[i].Language < out[j].Language
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Close shuts every partition down.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, p := range m.pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", p.key, err))
		}
	}
	return errors.Join(errs...)
}

// ticker is a time.Ticker that never fires for non-positive intervals.
type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
