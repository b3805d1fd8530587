package routing

import (
	"context"
	"fmt"

	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/classification"
	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/observability/logging"
	"github.com/branchline/branch-router/pkg/retrieval"
)

// Router decides the processing tier for a classified query. Tiers are tried
// in a fixed order: branch adapter above the domain confidence floor,
// retrieval for low-confidence queries with supporting citations, then the
// generic fallback.
type Router struct {
	domainThreshold float64
	ragThreshold    float64
	topK            int

	subBranches map[string][]string

	cache     *adaptercache.Cache
	retrieval retrieval.Service
}

// NewRouter validates the thresholds and builds a Router. Retrieval may be
// nil, in which case the retrieval tier is never taken.
func NewRouter(cfg *config.RouterConfig, cache *adaptercache.Cache, retrievalSvc retrieval.Service) (*Router, error) {
	if cfg.RAGThreshold < 0 || cfg.DomainThreshold > 1 || cfg.RAGThreshold >= cfg.DomainThreshold {
		return nil, fmt.Errorf("invalid thresholds: need 0 <= rag_threshold (%v) < domain_threshold (%v) <= 1",
			cfg.RAGThreshold, cfg.DomainThreshold)
	}
	if cache == nil {
		return nil, fmt.Errorf("router requires an adapter cache")
	}

	subBranches := make(map[string][]string, len(cfg.Domains))
	for _, d := range cfg.Domains {
		subBranches[d.Name] = d.SubBranches
	}

	topK := cfg.Retrieval.TopK
	if topK <= 0 {
		topK = 5
	}

	return &Router{
		domainThreshold: cfg.DomainThreshold,
		ragThreshold:    cfg.RAGThreshold,
		topK:            topK,
		subBranches:     subBranches,
		cache:           cache,
		retrieval:       retrievalSvc,
	}, nil
}

// Route evaluates the tiers in order and returns the first that applies.
// It never returns an error: every failure degrades to a lower tier.
func (r *Router) Route(ctx context.Context, query string, cls classification.Classification) Decision {
	if cls.Confidence >= r.domainThreshold {
		if d, ok := r.routeBranch(ctx, cls); ok {
			return d
		}
		// Confidence was high enough to trust the branch tier; its load
		// failures do not reopen the retrieval check below.
	}

	if cls.Confidence < r.ragThreshold && r.retrieval != nil {
		citations, err := r.retrieval.Query(ctx, query, r.topK)
		if err != nil {
			logging.Warnf("Retrieval unavailable, falling back: %v", err)
		} else if len(citations) > 0 {
			return NewRetrieval(citations, cls.Confidence)
		}
	}

	return NewFallback(cls.Confidence)
}

// routeBranch tries each registered sub-branch adapter for the domain, then
// the domain's general adapter. The first successful load wins.
func (r *Router) routeBranch(ctx context.Context, cls classification.Classification) (Decision, bool) {
	candidates := append([]string{}, r.subBranches[cls.Domain]...)
	candidates = append(candidates, "")

	for _, subBranch := range candidates {
		handle, err := r.cache.GetOrLoad(ctx, cls.Domain, subBranch)
		if err != nil {
			logging.Debugf("Branch adapter load failed for %q: %v",
				adaptercache.CacheKey(cls.Domain, subBranch), err)
			continue
		}
		return NewBranch(cls.Domain, subBranch, handle, cls.Confidence), true
	}
	logging.Infof("All branch adapters failed for domain %q, degrading", cls.Domain)
	return Decision{}, false
}
