package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/api"
	"github.com/branchline/branch-router/pkg/classification"
	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/generation"
	"github.com/branchline/branch-router/pkg/lifecycle"
	"github.com/branchline/branch-router/pkg/observability/logging"
	"github.com/branchline/branch-router/pkg/orchestrator"
	"github.com/branchline/branch-router/pkg/perftrack"
	"github.com/branchline/branch-router/pkg/responsecache"
	"github.com/branchline/branch-router/pkg/retrieval"
	"github.com/branchline/branch-router/pkg/routing"
)

// modelNameLoader resolves branch adapters as served model names on the
// generation backend. Loading is cheap here; a heavyweight loader that
// stages weights would slot in behind the same interface.
type modelNameLoader struct{}

func (modelNameLoader) Load(ctx context.Context, domain, subBranch string) (adaptercache.Handle, error) {
	key := adaptercache.CacheKey(domain, subBranch)
	return adaptercache.Handle{Key: key, ModelID: key}, nil
}

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "Path to the configuration file")
	)
	flag.Parse()

	if _, err := logging.InitFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
	}
	defer logging.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	cache, err := adaptercache.New(adaptercache.Options{
		Capacity:           cfg.MaxAdaptersInMemory,
		EvictionFraction:   cfg.EvictionFraction,
		CompressionIdle:    time.Duration(cfg.CompressionIdleSeconds) * time.Second,
		ObsolescenceWindow: time.Duration(cfg.ObsolescenceWindowSeconds) * time.Second,
		Loader:             modelNameLoader{},
	})
	if err != nil {
		logging.Fatalf("Failed to create adapter cache: %v", err)
	}

	classifier, err := classification.NewKeywordClassifier(cfg.KeywordRules)
	if err != nil {
		logging.Fatalf("Failed to build classifier: %v", err)
	}

	var retrievalSvc retrieval.Service
	if cfg.Retrieval.Endpoint != "" {
		retrievalSvc, err = retrieval.NewHTTPClient(cfg.Retrieval)
		if err != nil {
			logging.Fatalf("Failed to build retrieval client: %v", err)
		}
	} else {
		logging.Warnf("No retrieval endpoint configured; the retrieval tier is disabled")
	}

	router, err := routing.NewRouter(cfg, cache, retrievalSvc)
	if err != nil {
		logging.Fatalf("Failed to build router: %v", err)
	}

	generator, err := generation.NewClient(cfg.Generation)
	if err != nil {
		logging.Fatalf("Failed to build generation client: %v", err)
	}

	tracker := perftrack.New()
	policy, err := lifecycle.New(lifecycle.Options{
		Config:          cfg.Lifecycle,
		Tracker:         tracker,
		Cache:           cache,
		PerfThreshold:   cfg.PerformanceThreshold,
		MemoryThreshold: cfg.MemoryThreshold,
		UpdateFrequency: time.Duration(cfg.UpdateFrequencySeconds) * time.Second,
	})
	if err != nil {
		logging.Fatalf("Failed to build lifecycle policy: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:       cfg,
		Classifier:   classifier,
		Router:       router,
		Retrieval:    retrievalSvc,
		Generator:    generator,
		AdapterCache: cache,
		ResponseCache: responsecache.New(responsecache.Options{
			TTL:       time.Duration(cfg.ResponseCacheTTLSeconds) * time.Second,
			Normalize: cfg.NormalizeQueries,
		}),
		Tracker: tracker,
		Policy:  policy,
	})
	if err != nil {
		logging.Fatalf("Failed to build orchestrator: %v", err)
	}
	orch.StartMaintenance(time.Duration(cfg.SweepIntervalSeconds) * time.Second)
	defer orch.Stop()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
		logging.Infof("Starting metrics server on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logging.Errorf("Metrics server error: %v", err)
		}
	}()

	server := api.NewServer(orch, time.Duration(cfg.Generation.TimeoutSeconds)*time.Second)
	if err := server.Start(cfg.APIPort); err != nil {
		logging.Fatalf("API server error: %v", err)
	}
}
