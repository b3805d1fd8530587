package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/perftrack"
)

type staticLoader struct{}

func (staticLoader) Load(ctx context.Context, domain, subBranch string) (adaptercache.Handle, error) {
	key := adaptercache.CacheKey(domain, subBranch)
	return adaptercache.Handle{Key: key, ModelID: "model-" + key}, nil
}

type recordingBackup struct {
	domains []string
	err     error
}

func (b *recordingBackup) BackupDomain(domain string, m perftrack.DomainMetrics) error {
	if b.err != nil {
		return b.err
	}
	b.domains = append(b.domains, domain)
	return nil
}

type recordingRefresher struct {
	domains []string
	err     error
}

func (r *recordingRefresher) Refresh(ctx context.Context, domain string) error {
	if r.err != nil {
		return r.err
	}
	r.domains = append(r.domains, domain)
	return nil
}

type staticProvider struct{ ratio float64 }

func (p staticProvider) MemoryUsageRatio() float64 { return p.ratio }

func allEnabled() config.LifecycleConfig {
	return config.LifecycleConfig{
		EnableRefresh:     true,
		EnableBackup:      true,
		EnableEviction:    true,
		EnableCompression: true,
	}
}

func newTestPolicy(t *testing.T, cfg config.LifecycleConfig, cache *adaptercache.Cache, backup Backup, refresher Refresher, provider MetricsProvider) (*Policy, *perftrack.Tracker) {
	t.Helper()
	tracker := perftrack.New()
	if cache == nil {
		var err error
		cache, err = adaptercache.New(adaptercache.Options{Loader: staticLoader{}})
		require.NoError(t, err)
	}
	p, err := New(Options{
		Config:          cfg,
		Tracker:         tracker,
		Cache:           cache,
		Backup:          backup,
		Refresher:       refresher,
		Provider:        provider,
		PerfThreshold:   0.7,
		MemoryThreshold: 0.8,
		UpdateFrequency: 5 * time.Minute,
	})
	require.NoError(t, err)
	return p, tracker
}

func TestNewRequiresTrackerAndCache(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestManageDomainRecordsMetrics(t *testing.T) {
	p, tracker := newTestPolicy(t, allEnabled(), nil, &recordingBackup{}, &recordingRefresher{}, staticProvider{ratio: 0.5})

	p.ManageDomain(context.Background(), "math", perftrack.Evaluation{Accuracy: 0.9, ResponseTimeMs: 80})

	m, ok := tracker.Get("math")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.UsageCount)
	assert.InDelta(t, 0.5, m.MemoryUsageRatio, 1e-9, "memory ratio should come from the provider")
}

func TestManageDomainBacksUpThenRefreshesOnLowAccuracy(t *testing.T) {
	backup := &recordingBackup{}
	refresher := &recordingRefresher{}
	p, _ := newTestPolicy(t, allEnabled(), nil, backup, refresher, staticProvider{ratio: 0.5})

	d := p.ManageDomain(context.Background(), "math", perftrack.Evaluation{Accuracy: 0.4})

	assert.True(t, d.BackedUp)
	assert.True(t, d.Refreshed)
	assert.Equal(t, []string{"math"}, backup.domains)
	assert.Equal(t, []string{"math"}, refresher.domains)
}

func TestManageDomainSkipsRefreshOnHealthyDomain(t *testing.T) {
	refresher := &recordingRefresher{}
	p, tracker := newTestPolicy(t, allEnabled(), nil, &recordingBackup{}, refresher, staticProvider{ratio: 0.5})

	// Prime the domain so the first-evaluation refresh does not trigger.
	tracker.Record("math", perftrack.Evaluation{Accuracy: 0.95})

	d := p.ManageDomain(context.Background(), "math", perftrack.Evaluation{Accuracy: 0.95})
	assert.False(t, d.Refreshed)
	assert.Empty(t, refresher.domains)
}

func TestManageDomainBackupFailureDoesNotBlockRefresh(t *testing.T) {
	backup := &recordingBackup{err: errors.New("disk full")}
	refresher := &recordingRefresher{}
	p, _ := newTestPolicy(t, allEnabled(), nil, backup, refresher, staticProvider{ratio: 0.5})

	d := p.ManageDomain(context.Background(), "math", perftrack.Evaluation{Accuracy: 0.4})

	assert.False(t, d.BackedUp)
	assert.True(t, d.Refreshed, "refresh should proceed despite the backup failure")
}

func TestManageDomainRespectsDisabledSteps(t *testing.T) {
	backup := &recordingBackup{}
	refresher := &recordingRefresher{}
	cfg := allEnabled()
	cfg.EnableRefresh = false
	p, _ := newTestPolicy(t, cfg, nil, backup, refresher, staticProvider{ratio: 0.5})

	d := p.ManageDomain(context.Background(), "math", perftrack.Evaluation{Accuracy: 0.1})

	assert.False(t, d.Refreshed)
	assert.False(t, d.BackedUp)
	assert.Empty(t, refresher.domains)
}

func TestMaintainEvictsUnderMemoryPressure(t *testing.T) {
	cache, err := adaptercache.New(adaptercache.Options{Capacity: 4, Loader: staticLoader{}})
	require.NoError(t, err)
	for _, d := range []string{"a", "b", "c", "d"} {
		_, err := cache.GetOrLoad(context.Background(), d, "")
		require.NoError(t, err)
	}

	p, _ := newTestPolicy(t, allEnabled(), cache, &recordingBackup{}, &recordingRefresher{}, nil)

	d := p.Maintain()
	assert.Positive(t, d.Evicted)
	assert.Less(t, cache.Size(), 4)
}

func TestMaintainSkipsEvictionBelowThreshold(t *testing.T) {
	cache, err := adaptercache.New(adaptercache.Options{Capacity: 8, Loader: staticLoader{}})
	require.NoError(t, err)
	_, err = cache.GetOrLoad(context.Background(), "a", "")
	require.NoError(t, err)

	p, _ := newTestPolicy(t, allEnabled(), cache, &recordingBackup{}, &recordingRefresher{}, nil)

	d := p.Maintain()
	assert.Zero(t, d.Evicted)
	assert.Equal(t, 1, cache.Size())
}

func TestFileBackupWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	b := FileBackup{Dir: filepath.Join(dir, "backups")}

	err := b.BackupDomain("math", perftrack.DomainMetrics{Domain: "math", Accuracy: 0.9})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "backups", "math.json"))
	require.NoError(t, err)

	var record struct {
		Domain  string `json:"domain"`
		Metrics struct {
			Accuracy float64 `json:"accuracy"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "math", record.Domain)
	assert.InDelta(t, 0.9, record.Metrics.Accuracy, 1e-9)
}

func TestManageDomainNeverPanicsWithDefaults(t *testing.T) {
	cache, err := adaptercache.New(adaptercache.Options{Loader: staticLoader{}})
	require.NoError(t, err)
	p, err := New(Options{
		Config:  config.LifecycleConfig{EnableRefresh: true, EnableBackup: true, BackupDir: t.TempDir()},
		Tracker: perftrack.New(),
		Cache:   cache,
	})
	require.NoError(t, err)

	d := p.ManageDomain(context.Background(), "math", perftrack.Evaluation{Accuracy: 0.2})
	assert.True(t, d.Refreshed)
}
