// Package reconciliation audits conservation: replaying every ledger and
// trade row for a token must land exactly on the balances table. The two
// write paths (aggregate updates and the replay guard on ingestion) are
// supposed to make drift impossible, so a mismatch found here is a bug to
// page on, not a condition to repair silently.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/alert"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

// Drift is one holder whose stored balance disagrees with ledger replay.
// Amounts are decimal strings in base units; Diff is stored minus expected.
type Drift struct {
	TokenID  int64  `json:"token_id"`
	Holder   string `json:"holder"`
	Expected string `json:"expected"`
	Stored   string `json:"stored"`
	Diff     string `json:"diff"`
}

// RunResult summarizes one conservation audit over a chain.
type RunResult struct {
	ChainID        int64     `json:"chain_id"`
	TokensChecked  int       `json:"tokens_checked"`
	HoldersChecked int       `json:"holders_checked"`
	Drifts         []Drift   `json:"drifts,omitempty"`
	Errors         int       `json:"errors"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Service replays token movement history against current balances.
type Service struct {
	tokens    store.TokenRepository
	transfers store.TransferRepository
	trades    store.TradeRepository
	balances  store.BalanceRepository
	alerter   alert.Alerter
	logger    *slog.Logger
}

func NewService(
	tokens store.TokenRepository,
	transfers store.TransferRepository,
	trades store.TradeRepository,
	balances store.BalanceRepository,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tokens:    tokens,
		transfers: transfers,
		trades:    trades,
		balances:  balances,
		alerter:   alerter,
		logger:    logger.With("component", "reconciliation"),
	}
}

// Run audits every token on the chain. A token whose replay cannot be
// computed (query failure, malformed stored amount) is counted in Errors and
// skipped; only context cancellation aborts the run. The returned RunResult
// is non-nil whenever the error is nil.
func (s *Service) Run(ctx context.Context, chainID int64) (*RunResult, error) {
	ctx, span := tracing.Tracer("reconciliation").Start(ctx, "reconciliation.run",
		otelTrace.WithAttributes(attribute.Int64("chain.id", chainID)),
	)
	defer span.End()

	result := &RunResult{ChainID: chainID, StartedAt: time.Now().UTC()}

	tokens, err := s.tokens.ListByChain(ctx, chainID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list tokens for chain %d: %w", chainID, err)
	}

	for i := range tokens {
		if err := s.auditToken(ctx, &tokens[i], result); err != nil {
			if isFatal(err) {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			s.logger.Warn("token audit failed",
				"chain_id", chainID,
				"token_id", tokens[i].ID,
				"contract", tokens[i].ContractAddress,
				"error", err,
			)
			result.Errors++
			continue
		}
		result.TokensChecked++
	}
	result.FinishedAt = time.Now().UTC()

	chainLabel := metrics.ChainLabel(chainID)
	status := "ok"
	if len(result.Drifts) > 0 {
		status = "mismatch"
	}
	metrics.ReconciliationRunsTotal.WithLabelValues(status).Inc()
	metrics.ReconciliationMismatches.WithLabelValues(chainLabel).Set(float64(len(result.Drifts)))
	span.SetAttributes(
		attribute.Int("tokens.checked", result.TokensChecked),
		attribute.Int("drifts", len(result.Drifts)),
	)

	if len(result.Drifts) > 0 {
		s.reportDrift(ctx, chainLabel, result)
	}

	s.logger.Info("conservation audit finished",
		"chain_id", chainID,
		"tokens_checked", result.TokensChecked,
		"holders_checked", result.HoldersChecked,
		"drifts", len(result.Drifts),
		"errors", result.Errors,
		"duration", result.FinishedAt.Sub(result.StartedAt).String(),
	)
	return result, nil
}

// auditToken recomputes expected holdings from transfers plus trades and
// diffs them against stored rows. Replay nets to <= 0 for addresses that
// exited their position; the balances table prunes those, so non-positive
// expectations normalize to zero before comparing.
func (s *Service) auditToken(ctx context.Context, token *model.Token, result *RunResult) error {
	ledger, err := s.transfers.SumNetDeltas(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	traded, err := s.trades.SumNetDeltas(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("replay trades: %w", err)
	}
	expected, err := mergeDeltas(ledger, traded)
	if err != nil {
		return err
	}

	rows, err := s.balances.ListByToken(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("list balances: %w", err)
	}
	stored := make(map[string]*big.Int, len(rows))
	for i := range rows {
		v, ok := model.ParseAmount(rows[i].BalanceWei)
		if !ok {
			return fmt.Errorf("malformed stored balance %q for holder %s", rows[i].BalanceWei, rows[i].HolderAddress)
		}
		stored[rows[i].HolderAddress] = v
	}

	zero := new(big.Int)
	for _, holder := range unionHolders(expected, stored) {
		want := expected[holder]
		if want == nil || want.Sign() <= 0 {
			want = zero
		}
		have := stored[holder]
		if have == nil {
			have = zero
		}
		result.HoldersChecked++
		if want.Cmp(have) == 0 {
			continue
		}
		result.Drifts = append(result.Drifts, Drift{
			TokenID:  token.ID,
			Holder:   holder,
			Expected: want.String(),
			Stored:   have.String(),
			Diff:     new(big.Int).Sub(have, want).String(),
		})
	}
	return nil
}

func (s *Service) reportDrift(ctx context.Context, chainLabel string, result *RunResult) {
	if s.alerter == nil {
		return
	}
	sample := result.Drifts[0]
	err := s.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeConservation,
		Chain:   chainLabel,
		Title:   "Stored balances drifted from ledger replay",
		Message: fmt.Sprintf("%d holder(s) across %d token(s) do not match replayed history", len(result.Drifts), driftTokenCount(result.Drifts)),
		Fields: map[string]string{
			"holders_checked": strconv.Itoa(result.HoldersChecked),
			"drifts":          strconv.Itoa(len(result.Drifts)),
			"sample":          fmt.Sprintf("token %d holder %s expected %s stored %s", sample.TokenID, sample.Holder, sample.Expected, sample.Stored),
		},
	})
	if err != nil {
		s.logger.Error("failed to send conservation alert", "error", err)
	}
}

// mergeDeltas folds holder->amount maps into one big.Int sum per holder.
func mergeDeltas(sets ...map[string]string) (map[string]*big.Int, error) {
	merged := make(map[string]*big.Int)
	for _, set := range sets {
		for holder, amount := range set {
			v, ok := model.ParseAmount(amount)
			if !ok {
				return nil, fmt.Errorf("malformed replay delta %q for holder %s", amount, holder)
			}
			cur, found := merged[holder]
			if !found {
				cur = new(big.Int)
				merged[holder] = cur
			}
			cur.Add(cur, v)
		}
	}
	return merged, nil
}

func unionHolders(expected, stored map[string]*big.Int) []string {
	seen := make(map[string]struct{}, len(expected)+len(stored))
	for h := range expected {
		seen[h] = struct{}{}
	}
	for h := range stored {
		seen[h] = struct{}{}
	}
	holders := make([]string, 0, len(seen))
	for h := range seen {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	return holders
}

func driftTokenCount(drifts []Drift) int {
	seen := make(map[int64]struct{}, len(drifts))
	for i := range drifts {
		seen[drifts[i].TokenID] = struct{}{}
	}
	return len(seen)
}

func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
