package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/classification"
	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/generation"
	"github.com/branchline/branch-router/pkg/lifecycle"
	"github.com/branchline/branch-router/pkg/observability/logging"
	"github.com/branchline/branch-router/pkg/observability/metrics"
	"github.com/branchline/branch-router/pkg/perftrack"
	"github.com/branchline/branch-router/pkg/responsecache"
	"github.com/branchline/branch-router/pkg/retrieval"
	"github.com/branchline/branch-router/pkg/routing"
)

// Result is the outcome of one processed query.
type Result struct {
	Response         string  `json:"response"`
	RouteType        string  `json:"route_type"`
	Domain           string  `json:"domain"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	FromCache        bool    `json:"from_cache"`
	Timestamp        string  `json:"timestamp"`
}

// Status is a point-in-time view of the system for reporting.
type Status struct {
	CacheSize         int                                `json:"cache_size"`
	CacheCapacity     int                                `json:"cache_capacity"`
	DomainMetrics     map[string]perftrack.DomainMetrics `json:"domain_metrics"`
	ResponseCacheSize int                                `json:"response_cache_size"`
	TotalQueries      uint64                             `json:"total_queries"`
	AvgLatencyMs      float64                            `json:"avg_latency_ms"`
	RouteCounts       map[string]uint64                  `json:"route_counts"`
}

// Orchestrator composes the router, the lifecycle policy and the response
// cache into the end-to-end request lifecycle.
type Orchestrator struct {
	cfg *config.RouterConfig

	classifier classification.Classifier
	router     *routing.Router
	retrieval  retrieval.Service
	generator  generation.Generator

	adapterCache  *adaptercache.Cache
	responseCache *responsecache.Cache
	tracker       *perftrack.Tracker
	policy        *lifecycle.Policy

	// Aggregate request metrics.
	statsMu      sync.Mutex
	totalQueries uint64
	avgLatencyMs float64
	routeCounts  map[string]uint64

	stopMu  sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config        *config.RouterConfig
	Classifier    classification.Classifier
	Router        *routing.Router
	Retrieval     retrieval.Service
	Generator     generation.Generator
	AdapterCache  *adaptercache.Cache
	ResponseCache *responsecache.Cache
	Tracker       *perftrack.Tracker
	Policy        *lifecycle.Policy
}

// New builds an Orchestrator. All collaborators except Retrieval are
// required.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("orchestrator requires a config")
	case opts.Classifier == nil:
		return nil, fmt.Errorf("orchestrator requires a classifier")
	case opts.Router == nil:
		return nil, fmt.Errorf("orchestrator requires a router")
	case opts.Generator == nil:
		return nil, fmt.Errorf("orchestrator requires a generator")
	case opts.AdapterCache == nil:
		return nil, fmt.Errorf("orchestrator requires an adapter cache")
	case opts.ResponseCache == nil:
		return nil, fmt.Errorf("orchestrator requires a response cache")
	case opts.Tracker == nil:
		return nil, fmt.Errorf("orchestrator requires a performance tracker")
	case opts.Policy == nil:
		return nil, fmt.Errorf("orchestrator requires a lifecycle policy")
	}
	return &Orchestrator{
		cfg:           opts.Config,
		classifier:    opts.Classifier,
		router:        opts.Router,
		retrieval:     opts.Retrieval,
		generator:     opts.Generator,
		adapterCache:  opts.AdapterCache,
		responseCache: opts.ResponseCache,
		tracker:       opts.Tracker,
		policy:        opts.Policy,
		routeCounts:   make(map[string]uint64),
		stopCh:        make(chan struct{}),
	}, nil
}

// ProcessQuery runs the full request lifecycle for one query. Only a
// generation failure at the fallback tier surfaces as an error; every other
// failure degrades to a lower tier.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query string) (Result, error) {
	start := time.Now()

	if cached, hit := o.responseCache.Get(query); hit {
		result := Result{
			Response:         cached.Response,
			RouteType:        cached.RouteType,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			FromCache:        true,
			Timestamp:        time.Now().UTC().Format(time.RFC3339),
		}
		o.recordRequest(cached.RouteType, true, time.Since(start))
		return result, nil
	}

	cls, err := o.classifier.Classify(ctx, query)
	if err != nil {
		logging.Warnf("Classification unavailable, degrading to general: %v", err)
		cls = classification.Classification{Domain: classification.GeneralDomain, Confidence: 0.5}
	}

	decision := o.router.Route(ctx, query, cls)

	response, routeType, genErr := o.generate(ctx, query, decision)
	if genErr != nil {
		metrics.RecordRequestError("generation_failed")
		o.recordRequest(routeType, false, time.Since(start))
		return Result{
			RouteType:        routeType,
			Domain:           cls.Domain,
			Confidence:       cls.Confidence,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			Timestamp:        time.Now().UTC().Format(time.RFC3339),
		}, fmt.Errorf("all generation tiers failed: %w", genErr)
	}

	latency := time.Since(start)
	result := Result{
		Response:         response,
		RouteType:        routeType,
		Domain:           cls.Domain,
		Confidence:       cls.Confidence,
		ProcessingTimeMs: latency.Milliseconds(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}

	if decision.Kind() == routing.KindBranch {
		// Fire and forget: lifecycle feedback must not block the response.
		o.spawn(func() {
			o.policy.ManageDomain(context.Background(), decision.Domain(), perftrack.Evaluation{
				// Classifier confidence stands in for accuracy until a real
				// evaluation signal is wired.
				Accuracy:       decision.Confidence(),
				ResponseTimeMs: float64(latency.Milliseconds()),
			})
		})
	}

	o.responseCache.Put(query, responsecache.CachedResponse{Response: response, RouteType: routeType})
	o.recordRequest(routeType, false, latency)
	return result, nil
}

// generate dispatches to the generation path for the decision's variant,
// falling back one tier at a time on failure. Returns the route type that
// finally produced the response.
func (o *Orchestrator) generate(ctx context.Context, query string, decision routing.Decision) (string, string, error) {
	kind := decision.Kind()

	if kind == routing.KindBranch {
		response, err := o.generateTier(ctx, string(routing.KindBranch), decision.AdapterRef(), query)
		if err == nil {
			return response, string(routing.KindBranch), nil
		}
		logging.Warnf("Branch generation failed, retrying as retrieval: %v", err)
		metrics.RecordRouteFallthrough(string(routing.KindBranch), string(routing.KindRetrieval))
		kind = routing.KindRetrieval
		decision = o.retrievalDecision(ctx, query, decision.Confidence())
	}

	if kind == routing.KindRetrieval {
		if len(decision.Citations()) > 0 {
			prompt := buildRetrievalPrompt(query, decision.Citations())
			response, err := o.generateTier(ctx, string(routing.KindRetrieval), adaptercache.Handle{}, prompt)
			if err == nil {
				return response, string(routing.KindRetrieval), nil
			}
			logging.Warnf("Retrieval generation failed, falling back: %v", err)
		}
		metrics.RecordRouteFallthrough(string(routing.KindRetrieval), string(routing.KindFallback))
	}

	response, err := o.generateTier(ctx, string(routing.KindFallback), adaptercache.Handle{}, query)
	if err != nil {
		return "", string(routing.KindFallback), err
	}
	return response, string(routing.KindFallback), nil
}

// retrievalDecision fetches citations for a tier downgrade from branch to
// retrieval. With no retrieval service or no citations it yields a decision
// that the caller immediately degrades to fallback.
func (o *Orchestrator) retrievalDecision(ctx context.Context, query string, confidence float64) routing.Decision {
	if o.retrieval == nil {
		return routing.NewRetrieval(nil, confidence)
	}
	citations, err := o.retrieval.Query(ctx, query, o.cfg.Retrieval.TopK)
	if err != nil {
		logging.Warnf("Retrieval unavailable during tier fallback: %v", err)
		return routing.NewRetrieval(nil, confidence)
	}
	return routing.NewRetrieval(citations, confidence)
}

func (o *Orchestrator) generateTier(ctx context.Context, route string, handle adaptercache.Handle, prompt string) (string, error) {
	start := time.Now()
	response, err := o.generator.Generate(ctx, handle, prompt, o.cfg.Generation.MaxTokens)
	metrics.RecordGeneration(route, time.Since(start).Seconds())
	return response, err
}

// buildRetrievalPrompt prepends the retrieved passages as context.
func buildRetrievalPrompt(query string, citations []retrieval.Citation) string {
	var b strings.Builder
	b.WriteString("Answer the question using the context below.\n\nContext:\n")
	for i, c := range citations {
		fmt.Fprintf(&b, "[%d] %s (%s)\n", i+1, c.Text, c.Source)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func (o *Orchestrator) recordRequest(route string, fromCache bool, latency time.Duration) {
	metrics.RecordRouteDecision(route, fromCache, latency.Seconds())

	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.totalQueries++
	// Incremental rolling mean over all processed queries.
	o.avgLatencyMs += (float64(latency.Milliseconds()) - o.avgLatencyMs) / float64(o.totalQueries)
	o.routeCounts[route]++
}

// GetSystemStatus returns the current system-wide view.
func (o *Orchestrator) GetSystemStatus() Status {
	o.statsMu.Lock()
	counts := make(map[string]uint64, len(o.routeCounts))
	for k, v := range o.routeCounts {
		counts[k] = v
	}
	total := o.totalQueries
	avg := o.avgLatencyMs
	o.statsMu.Unlock()

	return Status{
		CacheSize:         o.adapterCache.Size(),
		CacheCapacity:     o.adapterCache.Capacity(),
		DomainMetrics:     o.tracker.Snapshot(),
		ResponseCacheSize: o.responseCache.Size(),
		TotalQueries:      total,
		AvgLatencyMs:      avg,
		RouteCounts:       counts,
	}
}

// StartMaintenance launches the background sweep loop: response cache sweep
// plus the lifecycle maintenance pass, every interval.
func (o *Orchestrator) StartMaintenance(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	o.spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				swept := o.responseCache.Sweep()
				d := o.policy.Maintain()
				if swept > 0 || d.Evicted > 0 || d.Compressed > 0 {
					logging.Debugf("Maintenance pass: swept=%d evicted=%d compressed=%d",
						swept, d.Evicted, d.Compressed)
				}
			case <-o.stopCh:
				return
			}
		}
	})
}

// spawn runs fn on a tracked goroutine. After Stop it is a no-op, so the
// WaitGroup counter never grows while Stop is waiting on it.
func (o *Orchestrator) spawn(fn func()) {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()
	if o.stopped {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Stop halts background maintenance and waits for in-flight lifecycle
// goroutines to finish. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopMu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.stopMu.Unlock()
	o.wg.Wait()
}
