// Package app assembles the darwin pipeline from configuration: store,
// providers, pipeline stages, workers, and the HTTP server. Both binaries
// build an App and pick the pieces they run.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darwin-engine/darwin/internal/agent"
	"github.com/darwin-engine/darwin/internal/api"
	"github.com/darwin-engine/darwin/internal/classify"
	"github.com/darwin-engine/darwin/internal/cluster"
	"github.com/darwin-engine/darwin/internal/config"
	"github.com/darwin-engine/darwin/internal/embedding"
	"github.com/darwin-engine/darwin/internal/fix"
	"github.com/darwin-engine/darwin/internal/forge"
	"github.com/darwin-engine/darwin/internal/ingest"
	"github.com/darwin-engine/darwin/internal/learning"
	"github.com/darwin-engine/darwin/internal/llm"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/review"
	"github.com/darwin-engine/darwin/internal/store"
	"github.com/darwin-engine/darwin/internal/worker"
)

// Sentinel failure classes. Binaries map these onto exit codes.
var (
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

const queueDepthTimeout = 2 * time.Second

// App is the fully wired pipeline.
type App struct {
	Config  *config.Config
	Logger  observability.Logger
	Metrics *observability.Metrics

	Store    store.Store
	Embedder embedding.Provider
	LLM      llm.Client

	Ingest     *ingest.Service
	Clusterer  *cluster.Clusterer
	Classifier *classify.Classifier
	Learning   *learning.Store
	Forge      *forge.Client
	Fix        *fix.Runner
	Review     *review.Handler
	Server     *api.Server

	workers []worker.Runnable
}

// New builds every component from cfg and verifies the store is reachable.
// Components gated on credentials (forge client, agent executor) stay nil
// when unconfigured; the rest of the pipeline degrades around them.
func New(ctx context.Context, cfg *config.Config, logger observability.Logger) (*App, error) {
	metrics := observability.NewMetrics()

	st, err := store.New(ctx, cfg.StoreURL, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, idx := range []store.VectorIndex{
		store.TopicIndex(cfg.EmbeddingDim),
		store.FixIndex(cfg.EmbeddingDim),
	} {
		if err := st.EnsureVectorIndex(ctx, idx); err != nil {
			st.Close()
			return nil, fmt.Errorf("%w: ensure index %s: %v", ErrStoreUnavailable, idx.Name, err)
		}
	}

	embedder, err := embedding.NewProvider(embedding.Options{
		Provider:  cfg.EmbeddingProvider,
		Dims:      cfg.EmbeddingDim,
		Model:     cfg.EmbeddingModel,
		BaseURL:   cfg.EmbeddingBaseURL,
		APIKey:    cfg.EmbeddingAPIKey,
		CacheSize: cfg.EmbeddingCacheSize,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: embedding: %v", ErrProviderUnavailable, err)
	}

	llmClient, err := llm.New(llm.Options{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
		BaseURL:  cfg.LLMBaseURL,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: llm: %v", ErrProviderUnavailable, err)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Store:    st,
		Embedder: embedder,
		LLM:      llmClient,
	}

	a.Ingest = ingest.NewService(st, cfg.IngestBackpressure, logger, metrics)
	a.Clusterer = cluster.NewClusterer(st, cfg.EmbeddingDim,
		cfg.ClusterThresholdHigh, cfg.ClusterThresholdLow, logger, metrics)
	a.Classifier = classify.NewClassifier(st, llmClient, cfg.ClassifyConfidenceMin, logger, metrics)
	a.Learning = learning.New(st, embedder, llmClient, logger)

	if cfg.ForgeToken != "" {
		a.Forge = forge.NewClient(cfg.ForgeBaseURL, cfg.ForgeToken, logger)
	}
	if cfg.AgentURL != "" {
		executor := agent.NewHTTPAgent(cfg.AgentURL, cfg.AgentTimeout, logger)
		a.Fix = fix.NewRunner(st, a.Learning, executor, func(product string) string {
			return cfg.ProductRepos[product]
		}, logger, metrics)
	}

	// review.Handler tolerates a nil runner (no auto-iteration) and a nil
	// review source (feedback limited to the triggering review).
	var feedbackRunner review.FeedbackRunner
	if a.Fix != nil {
		feedbackRunner = a.Fix
	}
	var reviewSource review.ReviewSource
	if a.Forge != nil {
		reviewSource = a.Forge
	}
	a.Review = review.NewHandler(st, a.Learning, feedbackRunner, reviewSource,
		int64(cfg.FixAutoIterMax), logger, metrics)

	deps := api.Deps{
		Store:         st,
		Ingest:        a.Ingest,
		Learning:      a.Learning,
		Review:        a.Review,
		ProductRepos:  cfg.ProductRepos,
		WebhookSecret: cfg.WebhookSecret,
		Logger:        logger,
		Metrics:       metrics,
	}
	if a.Fix != nil {
		deps.Runner = a.Fix
	}
	if a.Forge != nil {
		deps.Issues = a.Forge
	}
	a.Server = api.NewServer(cfg.ListenAddr, deps)

	a.buildWorkers()
	a.registerQueueGauges()
	return a, nil
}

func (a *App) buildWorkers() {
	cfg := a.Config
	embedWorker := worker.NewEmbedWorker(a.Store, a.Embedder, a.Clusterer,
		cfg.WorkerPollInterval, cfg.EmbedTimeout, cfg.WorkerDrainTimeout, a.Logger, a.Metrics)

	var starter worker.FixStarter
	if a.Fix != nil {
		starter = a.Fix
	}
	classifyWorker := worker.NewClassifyWorker(a.Store, a.Classifier, starter, cfg.ClassifyAutoFix,
		cfg.WorkerPollInterval, cfg.ClassifyTimeout, cfg.WorkerDrainTimeout, a.Logger, a.Metrics)

	a.workers = []worker.Runnable{embedWorker, classifyWorker}
}

func (a *App) registerQueueGauges() {
	for _, q := range []string{
		store.QueueToEmbed, store.QueueToClassify, store.QueueTriage,
		store.DeadLetterQueue(store.QueueToEmbed), store.DeadLetterQueue(store.QueueToClassify),
	} {
		queue := q
		a.Metrics.RegisterQueueDepth(queue, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), queueDepthTimeout)
			defer cancel()
			n, err := a.Store.QueueLen(ctx, queue)
			if err != nil {
				return -1
			}
			return float64(n)
		})
	}
}

// RunWorkers supervises the queue consumers until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range a.workers {
		r := r
		g.Go(func() error {
			return worker.Supervise(ctx, r, worker.DefaultRestartCooldown, a.Logger)
		})
	}
	return g.Wait()
}

// Close releases the store connection.
func (a *App) Close() error {
	return a.Store.Close()
}
