package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/porticohq/portico/internal/metrics"
	"github.com/porticohq/portico/pkg/types"
)

// ErrCircuitOpen is returned when the per-integration breaker is open.
// Callers treat it as a known-down short-circuit, never a fresh failure.
var ErrCircuitOpen = errors.New("integration circuit open")

// BreakerConfig tunes the per-integration circuit breakers.
type BreakerConfig struct {
	FailThreshold uint32        // consecutive failures before opening
	Cooldown      time.Duration // open duration before a half-open probe
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailThreshold: 5, Cooldown: 30 * time.Second}
}

// BreakerClient wraps a Client with one gobreaker circuit per
// integration, failing fast while an upstream is known to be down. The
// health monitor tracks the durable status; this guard just stops the
// process from hammering a failing API between health updates.
type BreakerClient struct {
	inner Client
	cfg   BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerClient wraps inner with per-integration circuit breakers.
func NewBreakerClient(inner Client, cfg BreakerConfig) *BreakerClient {
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &BreakerClient{
		inner:    inner,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Fetch delegates through the integration's breaker. Permanent errors do
// not trip the breaker; only transient-class failures count.
func (c *BreakerClient) Fetch(ctx context.Context, integrationID string, params map[string]string) (*FetchResult, error) {
	br := c.breaker(integrationID)

	var permErr error
	out, err := br.Execute(func() (interface{}, error) {
		res, err := c.inner.Fetch(ctx, integrationID, params)
		if err != nil {
			if AsError(err).Category == types.FailurePermanent {
				// Permanent errors don't trip the breaker: report
				// success to it and hand the error to the caller.
				permErr = err
				return nil, nil
			}
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitShortCircuits.Add(1)
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	if permErr != nil {
		return nil, permErr
	}
	return out.(*FetchResult), nil
}

// State returns the breaker state for an integration.
func (c *BreakerClient) State(integrationID string) gobreaker.State {
	return c.breaker(integrationID).State()
}

func (c *BreakerClient) breaker(integrationID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	br, ok := c.breakers[integrationID]
	if !ok {
		threshold := c.cfg.FailThreshold
		br = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    integrationID,
			Timeout: c.cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		c.breakers[integrationID] = br
	}
	return br
}
