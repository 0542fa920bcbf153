package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/retry"
)

// ErrExhausted marks an operation abandoned because every attempt in the
// retry budget was rate limited. The orchestrator treats it as fatal for
// the chain's pass.
var ErrExhausted = errors.New("rpc retry budget exhausted")

// Policy bounds one chain's RPC traffic. Waits grow linearly with the
// attempt number (BaseDelay, 2*BaseDelay, ...) up to MaxDelay; SuccessDelay
// spaces consecutive calls so a healthy run stays under the provider's
// request budget. Zero SuccessDelay disables pacing.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	SuccessDelay time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Guard wraps every outbound RPC call for one chain: it retries rate-limited
// failures on the linear schedule, returns everything else untouched, and
// paces call starts. One Guard per chain; safe for concurrent use.
type Guard struct {
	chain    string
	policy   Policy
	throttle *rate.Limiter
	log      *slog.Logger
}

func NewGuard(chainID int64, p Policy, log *slog.Logger) *Guard {
	p = p.withDefaults()
	g := &Guard{
		chain:  metrics.ChainLabel(chainID),
		policy: p,
		log:    log.With("chain_id", chainID),
	}
	if p.SuccessDelay > 0 {
		g.throttle = rate.NewLimiter(rate.Every(p.SuccessDelay), 1)
	}
	return g
}

// Do runs op under g. Rate-limited errors are retried until the budget is
// spent, then returned wrapped in ErrExhausted; any other error aborts the
// first time it is seen.
func Do[T any](ctx context.Context, g *Guard, method string, op func(ctx context.Context) (T, error)) (T, error) {
	g.pace(ctx)

	start := time.Now()
	attempts := 0

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, opErr := op(ctx)
		if opErr == nil {
			return v, nil
		}
		if retry.IsRateLimited(opErr) {
			metrics.RPCRateLimitHits.WithLabelValues(g.chain, method).Inc()
			g.log.Warn("rpc rate limited",
				"method", method,
				"attempt", attempts,
				"max_attempts", g.policy.MaxAttempts,
				"err", opErr,
			)
			return v, opErr
		}
		return v, backoff.Permanent(opErr)
	},
		backoff.WithBackOff(newLinearBackOff(g.policy.BaseDelay, g.policy.MaxDelay)),
		backoff.WithMaxTries(uint(g.policy.MaxAttempts)),
	)

	metrics.RPCCallLatency.WithLabelValues(g.chain, method).Observe(time.Since(start).Seconds())

	if err != nil {
		decision := retry.Classify(err)
		metrics.RPCCallsTotal.WithLabelValues(g.chain, method, string(decision.Class)).Inc()
		if decision.IsRateLimited() {
			metrics.RPCRetryExhausted.WithLabelValues(g.chain, method).Inc()
			return result, fmt.Errorf("%s after %d attempts: %w: %w", method, attempts, ErrExhausted, err)
		}
		return result, fmt.Errorf("%s: %w", method, err)
	}

	metrics.RPCCallsTotal.WithLabelValues(g.chain, method, "ok").Inc()
	return result, nil
}

// Run is Do for operations without a result.
func (g *Guard) Run(ctx context.Context, method string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, g, method, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// pace spaces call starts by SuccessDelay. Uses Reserve so exactly one token
// is consumed per call; best effort on shutdown.
func (g *Guard) pace(ctx context.Context) {
	if g.throttle == nil {
		return
	}
	r := g.throttle.Reserve()
	if !r.OK() {
		return
	}
	delay := r.Delay()
	if delay <= 0 {
		return
	}
	metrics.RPCThrottleWaits.WithLabelValues(g.chain).Inc()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		r.Cancel()
	}
}

// linearBackOff yields base, 2*base, 3*base, ... capped at max.
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newLinearBackOff(base, max time.Duration) *linearBackOff {
	return &linearBackOff{base: base, max: max}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := time.Duration(b.attempt) * b.base
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
