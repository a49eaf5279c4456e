package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Guard wraps an AgentCaller with a request rate limiter and a circuit
// breaker. When the provider fails repeatedly the circuit opens and calls
// fail fast with domain.ErrCircuitOpen instead of reaching it.
//
// Aborted calls and client-side errors (auth, context overflow) do not
// count as provider failures.
type Guard struct {
	inner   domain.AgentCaller
	breaker *gobreaker.CircuitBreaker[*domain.AgentResponse]
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGuard wraps inner. A disabled breaker config and a zero rate limit
// each turn that protection off.
func NewGuard(inner domain.AgentCaller, cfg config.LLMConfig, logger *slog.Logger) *Guard {
	g := &Guard{inner: inner, logger: logger}

	if rl := cfg.RateLimit; rl.RequestsPerMin > 0 {
		burst := max(rl.BurstSize, 1)
		g.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerMin)/60.0, burst)
	}

	cb := cfg.CircuitBreaker
	if !cb.Enabled {
		return g
	}
	maxFailures := cb.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	g.breaker = gobreaker.NewCircuitBreaker[*domain.AgentResponse](gobreaker.Settings{
		Name:        "llm:" + cfg.Model,
		MaxRequests: 1, // one trial request while half-open
		Interval:    orDefault(cb.Interval, defaultCBInterval),
		Timeout:     orDefault(cb.Timeout, defaultCBTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				IsCancellation(err) ||
				errors.Is(err, domain.ErrAuthInvalid) ||
				errors.Is(err, domain.ErrContextOverflow)
		},
	})
	return g
}

// CallAgent implements domain.AgentCaller.
func (g *Guard) CallAgent(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", domain.ErrRateLimit, err)
		}
	}

	if g.breaker == nil {
		return g.inner.CallAgent(ctx, req)
	}

	resp, err := g.breaker.Execute(func() (*domain.AgentResponse, error) {
		return g.inner.CallAgent(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewSubSystemError("llm", "Guard.CallAgent", domain.ErrCircuitOpen, err.Error())
	}
	return resp, err
}

// State returns the breaker state, or StateClosed when the breaker is off.
func (g *Guard) State() gobreaker.State {
	if g.breaker == nil {
		return gobreaker.StateClosed
	}
	return g.breaker.State()
}

var _ domain.AgentCaller = (*Guard)(nil)
