package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edict-hq/edict/internal/config"
	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/model"
)

// Gateway routes completion calls across an ordered provider chain. Order is
// fixed at construction; every call walks the chain from the front so the
// primary provider is always preferred once it recovers.
//
// Failure handling per provider:
//   - timeout or 5xx: one same-provider retry after a short backoff, then
//     move to the next provider
//   - rate limit (429 or local budget): move to the next provider immediately
//   - any other failure: move to the next provider immediately
//
// One attempt record is kept per provider per call regardless of the internal
// retry, carrying the final outcome for that provider.
type Gateway struct {
	providers []Provider
	limiters  map[string]*rate.Limiter
	backoff   time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway builds a gateway over the given providers. Providers must be in
// chain order. Rate limits come from the matching provider config entries;
// metrics may be nil.
func NewGateway(providers []Provider, cfgs []config.ProviderConfig, gwCfg config.GatewayConfig, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	limiters := make(map[string]*rate.Limiter, len(cfgs))
	for _, c := range cfgs {
		if c.RatePerMinute > 0 {
			limiters[c.Name] = rate.NewLimiter(rate.Limit(float64(c.RatePerMinute)/60.0), c.RatePerMinute)
		}
	}
	backoff := gwCfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		providers: providers,
		limiters:  limiters,
		backoff:   backoff,
		logger:    logger,
		metrics:   metrics,
		sleep:     sleepCtx,
	}
}

// Len returns the number of providers in the chain.
func (g *Gateway) Len() int { return len(g.providers) }

// Complete walks the provider chain until one provider succeeds. It returns
// the completion plus the attempt records for this call; the records are
// returned even on failure so the caller can persist them in the run history.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Completion, []model.ProviderAttempt, error) {
	attempts := make([]model.ProviderAttempt, 0, len(g.providers))

	for _, p := range g.providers {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		if lim, ok := g.limiters[p.Name()]; ok && !lim.Allow() {
			attempts = append(attempts, g.record(p.Name(), model.AttemptOutcomeRateLimited, 0))
			g.logger.Warn("provider local rate budget exceeded",
				zap.String("provider", p.Name()))
			continue
		}

		start := time.Now()
		comp, err := p.Complete(ctx, req)

		// One same-provider retry on transient failures.
		if err != nil && transient(err) {
			g.logger.Warn("provider transient failure, retrying once",
				zap.String("provider", p.Name()), zap.Error(err))
			if sleepErr := g.sleep(ctx, g.backoff); sleepErr != nil {
				attempts = append(attempts, g.record(p.Name(), outcomeOf(err), time.Since(start)))
				return nil, attempts, sleepErr
			}
			comp, err = p.Complete(ctx, req)
		}

		latency := time.Since(start)
		if err == nil {
			attempts = append(attempts, g.record(p.Name(), model.AttemptOutcomeSuccess, latency))
			return comp, attempts, nil
		}

		attempts = append(attempts, g.record(p.Name(), outcomeOf(err), latency))
		g.logger.Warn("provider failed, moving to next in chain",
			zap.String("provider", p.Name()), zap.Error(err))
	}

	if g.metrics != nil {
		g.metrics.RecordProviderExhausted()
	}
	return nil, attempts, model.NewAllProvidersExhaustedError(len(attempts))
}

func (g *Gateway) record(provider, outcome string, latency time.Duration) model.ProviderAttempt {
	if g.metrics != nil {
		g.metrics.RecordProviderAttempt(provider, outcome, latency)
	}
	return model.ProviderAttempt{
		Provider:  provider,
		Outcome:   outcome,
		Latency:   latency,
		Timestamp: time.Now().UTC(),
	}
}

// transient reports whether the gateway may retry the same provider once.
func transient(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

func outcomeOf(err error) string {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return model.AttemptOutcomeRateLimited
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return model.AttemptOutcomeTimeout
	}
	return model.AttemptOutcomeError
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
