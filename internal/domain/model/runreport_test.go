package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStageCounts(t *testing.T) {
	t.Parallel()

	var c StageCounts
	c.Add(RowProcessed)
	c.Add(RowProcessed)
	c.Add(RowSkipped)
	c.Add(RowFailed)

	assert.Equal(t, int64(2), c.Processed)
	assert.Equal(t, int64(1), c.Skipped)
	assert.Equal(t, int64(1), c.Failed)
	assert.Equal(t, int64(4), c.Total())

	c.Merge(StageCounts{Processed: 3, Failed: 2})
	assert.Equal(t, int64(5), c.Processed)
	assert.Equal(t, int64(3), c.Failed)
}

func TestRunSummaryHealthy(t *testing.T) {
	t.Parallel()

	run := NewRunSummary(time.Now())
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", run.RunID.String())

	ok := NewChainSummary(8453)
	ok.Record("classifier", StageCounts{Processed: 10})
	ok.Record("classifier", StageCounts{Skipped: 2})
	assert.Equal(t, int64(10), ok.Stages["classifier"].Processed)
	assert.Equal(t, int64(2), ok.Stages["classifier"].Skipped)

	bad := NewChainSummary(56)
	bad.Err = errors.New("rpc exhausted")

	run.Chains = append(run.Chains, ok, bad)
	assert.False(t, run.Healthy())
	assert.Equal(t, []int64{56}, run.FailedChains())

	bad.Err = nil
	assert.True(t, run.Healthy())
	assert.Nil(t, run.FailedChains())
}
