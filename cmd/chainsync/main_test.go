package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/alert"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/config"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildAlerter_NoChannelsIsNoop(t *testing.T) {
	t.Parallel()

	a := buildAlerter(config.AlertConfig{}, testLogger())

	_, ok := a.(*alert.NoopAlerter)
	assert.True(t, ok, "without any webhook URL the alerter must be a no-op, got %T", a)
}

func TestBuildAlerter_ConfiguredChannelsGetCooldown(t *testing.T) {
	t.Parallel()

	a := buildAlerter(config.AlertConfig{
		SlackWebhookURL: "https://hooks.example.com/slack",
		WebhookURL:      "https://alerts.example.com/hook",
		Cooldown:        time.Minute,
	}, testLogger())

	_, ok := a.(*alert.MultiAlerter)
	assert.True(t, ok, "configured channels must be wrapped in the cooldown alerter, got %T", a)
}

// buildChains only parses RPC URLs; HTTP transports dial lazily, so wiring
// succeeds without a live endpoint behind the URL.
func TestBuildChains_WiresEveryConfiguredChain(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Sync: config.SyncConfig{MaxWindowBlocks: 5000},
		Chains: []config.ChainConfig{
			{ChainID: 8453, Name: "base", RPCURL: "http://localhost:18545", LogChunk: 2000, DexLogChunk: 500, AddressBatch: 50, ReorgCushion: 6},
			{ChainID: 56, Name: "bsc", RPCURL: "http://localhost:28545", LogChunk: 1000, DexLogChunk: 250, AddressBatch: 20, ReorgCushion: 15},
		},
	}

	chains, err := buildChains(context.Background(), cfg, nil, repos{}, testLogger())
	require.NoError(t, err)
	require.Len(t, chains, 2)

	for i, want := range []int64{8453, 56} {
		assert.Equal(t, want, chains[i].ChainID)
		assert.Equal(t, uint64(5000), chains[i].MaxWindow)
		assert.NotNil(t, chains[i].Source)
		assert.NotNil(t, chains[i].Classifier)
		assert.NotNil(t, chains[i].Dex)
		assert.NotNil(t, chains[i].Graduation)
		assert.NotNil(t, chains[i].Aggregate)
		assert.NotNil(t, chains[i].PoolState)
	}
}

func TestBuildChains_BadRPCURLFails(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Chains: []config.ChainConfig{
			{ChainID: 8453, Name: "base", RPCURL: "ftp://not-an-rpc"},
		},
	}

	_, err := buildChains(context.Background(), cfg, nil, repos{}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base", "the error should name the chain that failed to wire")
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fired chan struct{}
}

func (f *fakeRunner) Run(_ context.Context) (*model.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		close(f.fired)
	}
	return nil, nil
}

func TestRunScheduler_InvalidSpecFails(t *testing.T) {
	t.Parallel()

	err := runScheduler(context.Background(), "not a cron spec", &fakeRunner{fired: make(chan struct{})}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse schedule")
}

func TestRunScheduler_FiresAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &fakeRunner{fired: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		done <- runScheduler(ctx, "* * * * * *", runner, testLogger())
	}()

	select {
	case <-runner.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler never fired a run")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

func TestCronLogger_ErrorCarriesCause(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := cronLogger{logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	l.Error(errors.New("tick exploded"), "job failed", "job", "sync")

	out := buf.String()
	assert.Contains(t, out, "job failed")
	assert.Contains(t, out, "tick exploded")
}
