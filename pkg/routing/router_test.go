package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/classification"
	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/retrieval"
)

// selectiveLoader fails for the keys listed in failing and records the order
// of load attempts.
type selectiveLoader struct {
	mu       sync.Mutex
	failing  map[string]bool
	attempts []string
}

func (l *selectiveLoader) Load(ctx context.Context, domain, subBranch string) (adaptercache.Handle, error) {
	key := adaptercache.CacheKey(domain, subBranch)
	l.mu.Lock()
	l.attempts = append(l.attempts, key)
	failing := l.failing[key]
	l.mu.Unlock()

	if failing {
		return adaptercache.Handle{}, errors.New("weights unavailable")
	}
	return adaptercache.Handle{Key: key, ModelID: "model-" + key}, nil
}

// stubRetrieval returns fixed citations or an error.
type stubRetrieval struct {
	citations []retrieval.Citation
	err       error
	calls     int
}

func (s *stubRetrieval) Query(ctx context.Context, text string, k int) ([]retrieval.Citation, error) {
	s.calls++
	return s.citations, s.err
}

func routerConfig() *config.RouterConfig {
	cfg := config.Default()
	cfg.Domains = []config.DomainConfig{
		{Name: "math", SubBranches: []string{"algebra", "calculus"}},
		{Name: "medicine"},
	}
	return cfg
}

var _ = Describe("NewRouter", func() {
	It("rejects rag_threshold >= domain_threshold", func() {
		cfg := routerConfig()
		cfg.RAGThreshold = 0.6
		cfg.DomainThreshold = 0.6
		cache, err := adaptercache.New(adaptercache.Options{Loader: &selectiveLoader{}})
		Expect(err).NotTo(HaveOccurred())

		_, err = NewRouter(cfg, cache, nil)
		Expect(err).To(HaveOccurred())
	})

	It("rejects out-of-range thresholds", func() {
		cache, err := adaptercache.New(adaptercache.Options{Loader: &selectiveLoader{}})
		Expect(err).NotTo(HaveOccurred())

		cfg := routerConfig()
		cfg.RAGThreshold = -0.1
		_, err = NewRouter(cfg, cache, nil)
		Expect(err).To(HaveOccurred())

		cfg = routerConfig()
		cfg.DomainThreshold = 1.1
		_, err = NewRouter(cfg, cache, nil)
		Expect(err).To(HaveOccurred())
	})

	It("requires an adapter cache", func() {
		_, err := NewRouter(routerConfig(), nil, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Router.Route", func() {
	var (
		loader  *selectiveLoader
		rtrvl   *stubRetrieval
		router  *Router
		mkCache func() *adaptercache.Cache
	)

	BeforeEach(func() {
		loader = &selectiveLoader{failing: map[string]bool{}}
		rtrvl = &stubRetrieval{}
		mkCache = func() *adaptercache.Cache {
			cache, err := adaptercache.New(adaptercache.Options{Loader: loader})
			Expect(err).NotTo(HaveOccurred())
			return cache
		}
		var err error
		router, err = NewRouter(routerConfig(), mkCache(), rtrvl)
		Expect(err).NotTo(HaveOccurred())
	})

	It("routes a confident classification to the branch tier", func() {
		d := router.Route(context.Background(), "prove this", classification.Classification{Domain: "math", Confidence: 0.9})

		Expect(d.Kind()).To(Equal(KindBranch))
		Expect(d.Domain()).To(Equal("math"))
		Expect(d.Confidence()).To(BeNumerically("==", 0.9))
		Expect(d.AdapterRef().IsZero()).To(BeFalse())
	})

	It("tries sub-branch adapters before the general adapter", func() {
		router.Route(context.Background(), "q", classification.Classification{Domain: "math", Confidence: 0.9})

		Expect(loader.attempts).To(HaveLen(1))
		Expect(loader.attempts[0]).To(Equal("math/algebra"))
	})

	It("falls to the next sub-branch when a load fails", func() {
		loader.failing["math/algebra"] = true

		d := router.Route(context.Background(), "q", classification.Classification{Domain: "math", Confidence: 0.9})

		Expect(d.Kind()).To(Equal(KindBranch))
		Expect(d.SubBranch()).To(Equal("calculus"))
		Expect(loader.attempts).To(Equal([]string{"math/algebra", "math/calculus"}))
	})

	It("skips retrieval when confident branch loads all fail", func() {
		// Confidence above the domain floor never reopens the retrieval
		// check, even with citations available.
		loader.failing["math/algebra"] = true
		loader.failing["math/calculus"] = true
		loader.failing["math"] = true
		rtrvl.citations = []retrieval.Citation{{Text: "t", Source: "s", Score: 0.9}}

		d := router.Route(context.Background(), "q", classification.Classification{Domain: "math", Confidence: 0.9})

		Expect(d.Kind()).To(Equal(KindFallback))
		Expect(rtrvl.calls).To(BeZero())
		Expect(d.Confidence()).To(BeNumerically("==", 0.9))
	})

	It("routes low confidence with citations to retrieval", func() {
		rtrvl.citations = []retrieval.Citation{
			{Text: "passage one", Source: "a.txt", Score: 0.8},
			{Text: "passage two", Source: "b.txt", Score: 0.7},
		}

		d := router.Route(context.Background(), "q", classification.Classification{Domain: "general", Confidence: 0.1})

		Expect(d.Kind()).To(Equal(KindRetrieval))
		Expect(d.Citations()).To(HaveLen(2))
		Expect(d.Confidence()).To(BeNumerically("==", 0.1))
	})

	It("routes low confidence without citations to fallback", func() {
		d := router.Route(context.Background(), "q", classification.Classification{Domain: "general", Confidence: 0.1})

		Expect(d.Kind()).To(Equal(KindFallback))
		Expect(d.Confidence()).To(BeNumerically("==", 0.1))
	})

	It("routes mid confidence to fallback without consulting retrieval", func() {
		rtrvl.citations = []retrieval.Citation{{Text: "t", Source: "s", Score: 0.9}}

		d := router.Route(context.Background(), "q", classification.Classification{Domain: "math", Confidence: 0.4})

		Expect(d.Kind()).To(Equal(KindFallback))
		Expect(rtrvl.calls).To(BeZero())
	})

	It("degrades to fallback when retrieval errors", func() {
		rtrvl.err = &retrieval.UnavailableError{Err: fmt.Errorf("index down")}

		d := router.Route(context.Background(), "q", classification.Classification{Domain: "general", Confidence: 0.1})

		Expect(d.Kind()).To(Equal(KindFallback))
	})

	It("takes the fallback tier when no retrieval service is wired", func() {
		var err error
		router, err = NewRouter(routerConfig(), mkCache(), nil)
		Expect(err).NotTo(HaveOccurred())

		d := router.Route(context.Background(), "q", classification.Classification{Domain: "general", Confidence: 0.1})
		Expect(d.Kind()).To(Equal(KindFallback))
	})
})

var _ = Describe("Decision", func() {
	It("clamps confidence into [0, 1]", func() {
		Expect(NewFallback(-0.5).Confidence()).To(BeNumerically("==", 0))
		Expect(NewFallback(1.5).Confidence()).To(BeNumerically("==", 1))
	})

	It("keeps variant fields exclusive", func() {
		branch := NewBranch("math", "algebra", adaptercache.Handle{Key: "math/algebra"}, 0.9)
		Expect(branch.Citations()).To(BeEmpty())

		rd := NewRetrieval([]retrieval.Citation{{Text: "t"}}, 0.1)
		Expect(rd.Domain()).To(BeEmpty())
		Expect(rd.AdapterRef().IsZero()).To(BeTrue())

		fb := NewFallback(0.3)
		Expect(fb.Domain()).To(BeEmpty())
		Expect(fb.Citations()).To(BeEmpty())
	})
})
