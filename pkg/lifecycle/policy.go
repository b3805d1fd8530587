package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/observability/logging"
	"github.com/branchline/branch-router/pkg/observability/metrics"
	"github.com/branchline/branch-router/pkg/perftrack"
)

// MetricsProvider measures adapter memory pressure. The default derives it
// from the cache fill ratio; a real measurement backend can be substituted
// without touching the policy logic.
type MetricsProvider interface {
	MemoryUsageRatio() float64
}

// CacheFillProvider reports the adapter cache fill ratio as memory usage.
type CacheFillProvider struct {
	Cache *adaptercache.Cache
}

func (p CacheFillProvider) MemoryUsageRatio() float64 {
	return p.Cache.FillRatio()
}

// Backup persists a snapshot of an adapter's state before a refresh.
type Backup interface {
	BackupDomain(domain string, m perftrack.DomainMetrics) error
}

// Refresher triggers an adapter refresh. Refresh mechanics live outside
// this package; the policy only gates and sequences the call.
type Refresher interface {
	Refresh(ctx context.Context, domain string) error
}

// NopRefresher acknowledges refreshes without doing anything.
type NopRefresher struct{}

func (NopRefresher) Refresh(context.Context, string) error { return nil }

// FileBackup writes per-domain JSON snapshots under a directory.
type FileBackup struct {
	Dir string
}

type backupRecord struct {
	Domain    string                  `json:"domain"`
	Metrics   perftrack.DomainMetrics `json:"metrics"`
	Timestamp time.Time               `json:"timestamp"`
}

func (b FileBackup) BackupDomain(domain string, m perftrack.DomainMetrics) error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	data, err := json.MarshalIndent(backupRecord{Domain: domain, Metrics: m, Timestamp: time.Now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	path := filepath.Join(b.Dir, domain+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// Decision summarizes what a lifecycle pass actually did.
type Decision struct {
	Refreshed  bool
	BackedUp   bool
	Evicted    int
	Compressed int
}

// Policy orchestrates the adapter cache and the performance tracker to decide
// refresh, backup, eviction and compression actions. Every step is best
// effort: failures are logged and the remaining steps still run; nothing
// ever propagates to the request path.
type Policy struct {
	cfg      config.LifecycleConfig
	tracker  *perftrack.Tracker
	cache    *adaptercache.Cache
	backup   Backup
	refresh  Refresher
	provider MetricsProvider

	perfThreshold   float64
	memoryThreshold float64
	updateFrequency time.Duration
}

// Options configures a Policy.
type Options struct {
	Config          config.LifecycleConfig
	Tracker         *perftrack.Tracker
	Cache           *adaptercache.Cache
	Backup          Backup
	Refresher       Refresher
	Provider        MetricsProvider
	PerfThreshold   float64
	MemoryThreshold float64
	UpdateFrequency time.Duration
}

// New builds a Policy. Tracker and Cache are required; other collaborators
// have working defaults.
func New(opts Options) (*Policy, error) {
	if opts.Tracker == nil || opts.Cache == nil {
		return nil, fmt.Errorf("lifecycle policy requires a tracker and a cache")
	}
	if opts.Backup == nil {
		dir := opts.Config.BackupDir
		if dir == "" {
			dir = "backups"
		}
		opts.Backup = FileBackup{Dir: dir}
	}
	if opts.Refresher == nil {
		opts.Refresher = NopRefresher{}
	}
	if opts.Provider == nil {
		opts.Provider = CacheFillProvider{Cache: opts.Cache}
	}
	if opts.PerfThreshold <= 0 {
		opts.PerfThreshold = 0.7
	}
	if opts.MemoryThreshold <= 0 {
		opts.MemoryThreshold = 0.8
	}
	if opts.UpdateFrequency <= 0 {
		opts.UpdateFrequency = 5 * time.Minute
	}
	return &Policy{
		cfg:             opts.Config,
		tracker:         opts.Tracker,
		cache:           opts.Cache,
		backup:          opts.Backup,
		refresh:         opts.Refresher,
		provider:        opts.Provider,
		perfThreshold:   opts.PerfThreshold,
		memoryThreshold: opts.MemoryThreshold,
		updateFrequency: opts.UpdateFrequency,
	}, nil
}

// ManageDomain runs a full lifecycle pass for a domain after a completed
// branch request. It always returns a Decision, never an error.
func (p *Policy) ManageDomain(ctx context.Context, domain string, eval perftrack.Evaluation) Decision {
	var decision Decision

	if eval.MemoryUsageRatio == 0 {
		eval.MemoryUsageRatio = p.provider.MemoryUsageRatio()
	}
	p.tracker.Record(domain, eval)

	if p.cfg.EnableRefresh && p.tracker.ShouldRefresh(domain, p.perfThreshold, p.updateFrequency) {
		if p.cfg.EnableBackup {
			m, _ := p.tracker.Get(domain)
			if err := p.backup.BackupDomain(domain, m); err != nil {
				logging.Warnf("Lifecycle backup failed for domain %q: %v", domain, err)
				metrics.RecordLifecycleStepFailure("backup")
			} else {
				decision.BackedUp = true
				metrics.RecordLifecycleAction(domain, "backup")
			}
		}
		if err := p.refresh.Refresh(ctx, domain); err != nil {
			logging.Warnf("Lifecycle refresh failed for domain %q: %v", domain, err)
			metrics.RecordLifecycleStepFailure("refresh")
		} else {
			decision.Refreshed = true
			metrics.RecordLifecycleAction(domain, "refresh")
		}
	}

	maintain := p.Maintain()
	decision.Evicted = maintain.Evicted
	decision.Compressed = maintain.Compressed

	logging.Debugf("Lifecycle pass for %q: refreshed=%v backedUp=%v evicted=%d compressed=%d",
		domain, decision.Refreshed, decision.BackedUp, decision.Evicted, decision.Compressed)
	return decision
}

// Maintain runs the request-independent cache maintenance: pressure
// eviction, compression sweep and obsolescence sweep. Safe to run every
// cycle; each sweep is idempotent.
func (p *Policy) Maintain() Decision {
	var decision Decision

	if p.cfg.EnableEviction && p.provider.MemoryUsageRatio() > p.memoryThreshold {
		decision.Evicted += p.cache.EvictUnderPressure()
	}
	if p.cfg.EnableCompression {
		decision.Compressed = p.cache.CompressIdle()
	}
	decision.Evicted += p.cache.EvictObsolete()
	return decision
}
