package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-engine/darwin/internal/config"
	"github.com/darwin-engine/darwin/internal/observability"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:            ":0",
		StoreURL:              "mem://",
		EmbeddingDim:          8,
		EmbeddingProvider:     "local",
		LLMProvider:           "openai",
		LLMModel:              "gpt-4o-mini",
		ClusterThresholdHigh:  0.75,
		ClusterThresholdLow:   0.60,
		ClassifyConfidenceMin: 0.5,
		FixAutoIterMax:        3,
		IngestBackpressure:    1000,
		WorkerPollInterval:    10 * time.Millisecond,
		WorkerDrainTimeout:    time.Second,
		ProductRepos:          map[string]string{"joplin": "acme/joplin"},
	}
}

func TestNewWiresMemoryPipeline(t *testing.T) {
	a, err := New(context.Background(), testConfig(), observability.NewNoopLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Ingest)
	assert.NotNil(t, a.Clusterer)
	assert.NotNil(t, a.Classifier)
	assert.NotNil(t, a.Learning)
	assert.NotNil(t, a.Review)
	assert.NotNil(t, a.Server)
	assert.Len(t, a.workers, 2)

	// No agent or forge credentials: the optional collaborators stay nil.
	assert.Nil(t, a.Fix)
	assert.Nil(t, a.Forge)
}

func TestNewEnablesFixWhenAgentConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.AgentURL = "http://localhost:9090/run"
	cfg.ForgeToken = "token"

	a, err := New(context.Background(), cfg, observability.NewNoopLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Fix)
	assert.NotNil(t, a.Forge)
}

func TestNewRejectsBadStoreURL(t *testing.T) {
	cfg := testConfig()
	cfg.StoreURL = "bolt://nope"

	_, err := New(context.Background(), cfg, observability.NewNoopLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.EmbeddingProvider = "abacus"

	_, err := New(context.Background(), cfg, observability.NewNoopLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRunWorkersStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), observability.NewNoopLogger())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunWorkers(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop after cancel")
	}
}
