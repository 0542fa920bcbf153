package model

import (
	"time"

	"github.com/google/uuid"
)

// RowOutcome is the per-row disposition a pipeline stage reports.
type RowOutcome int

const (
	RowProcessed RowOutcome = iota
	RowSkipped
	RowFailed
)

// StageCounts accumulates row outcomes for one pipeline stage.
type StageCounts struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

func (c *StageCounts) Add(outcome RowOutcome) {
	switch outcome {
	case RowProcessed:
		c.Processed++
	case RowSkipped:
		c.Skipped++
	case RowFailed:
		c.Failed++
	}
}

func (c *StageCounts) Merge(other StageCounts) {
	c.Processed += other.Processed
	c.Skipped += other.Skipped
	c.Failed += other.Failed
}

func (c StageCounts) Total() int64 {
	return c.Processed + c.Skipped + c.Failed
}

// ChainSummary is the outcome of one chain's pass within a run.
type ChainSummary struct {
	ChainID       int64                  `json:"chain_id"`
	FromBlock     int64                  `json:"from_block"`
	ToBlock       int64                  `json:"to_block"`
	TokensSynced  int                    `json:"tokens_synced"`
	Stages        map[string]StageCounts `json:"stages"`
	Err           error                  `json:"-"`
	Duration      time.Duration          `json:"duration"`
	RateLimitHits int64                  `json:"rate_limit_hits"`
}

func NewChainSummary(chainID int64) *ChainSummary {
	return &ChainSummary{
		ChainID: chainID,
		Stages:  make(map[string]StageCounts),
	}
}

func (s *ChainSummary) Record(stage string, counts StageCounts) {
	cur := s.Stages[stage]
	cur.Merge(counts)
	s.Stages[stage] = cur
}

// RunSummary aggregates the chain summaries of a single worker invocation.
// Chains fail independently; a run is Healthy only when none of them did.
type RunSummary struct {
	RunID      uuid.UUID       `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Chains     []*ChainSummary `json:"chains"`
}

func NewRunSummary(now time.Time) *RunSummary {
	return &RunSummary{
		RunID:     uuid.New(),
		StartedAt: now,
	}
}

func (r *RunSummary) Healthy() bool {
	for _, c := range r.Chains {
		if c.Err != nil {
			return false
		}
	}
	return true
}

func (r *RunSummary) FailedChains() []int64 {
	var ids []int64
	for _, c := range r.Chains {
		if c.Err != nil {
			ids = append(ids, c.ChainID)
		}
	}
	return ids
}
