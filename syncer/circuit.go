package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// GuardSettings configures the per-provider circuit.
type GuardSettings struct {
	// Threshold is the run of consecutive rate-limit responses that opens the circuit.
	Threshold uint32
	// Window bounds how long consecutive counts accumulate while closed.
	Window time.Duration
	// Cooldown is the first open period; each failed half-open trial doubles it.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

func DefaultGuardSettings() GuardSettings {
	return GuardSettings{
		Threshold:   5,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
		MaxCooldown: 5 * time.Minute,
	}
}

// ProviderHealth is a point-in-time view of one provider's circuit.
type ProviderHealth struct {
	Provider              string        `json:"provider"`
	State                 string        `json:"state"`
	ConsecutiveRateLimits uint32        `json:"consecutive_rate_limits"`
	TotalRateLimits       uint64        `json:"total_rate_limits"`
	Cooldown              time.Duration `json:"cooldown"`
	RetryAfter            time.Duration `json:"retry_after"`
	Usage                 QuotaUsage    `json:"usage"`
}

// CircuitGuard is shared by every sync loop in the process. Only rate-limit
// responses count as circuit failures; other errors are the retry
// controller's business.
type CircuitGuard struct {
	settings GuardSettings
	quota    QuotaObserver
	logger   *logrus.Entry

	mu       sync.Mutex
	breakers map[string]*providerBreaker
}

type providerBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker

	// mu is never held while calling into cb; cb invokes onStateChange under its own lock.
	mu          sync.Mutex
	openedAt    time.Time
	cooldown    time.Duration
	reopens     int
	consecutive uint32
	total       uint64
}

func NewCircuitGuard(settings GuardSettings, quota QuotaObserver) *CircuitGuard {
	if quota == nil {
		quota = NopQuotaObserver()
	}
	return &CircuitGuard{
		settings: settings,
		quota:    quota,
		logger:   logrus.WithField("component", "circuit_guard"),
		breakers: make(map[string]*providerBreaker),
	}
}

func (g *CircuitGuard) breaker(provider string) *providerBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pb, ok := g.breakers[provider]; ok {
		return pb
	}

	pb := &providerBreaker{cooldown: g.settings.Cooldown}
	pb.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    g.settings.Window,
		Timeout:     g.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.settings.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.onStateChange(pb, name, from, to)
		},
	})
	g.breakers[provider] = pb
	return pb
}

func (g *CircuitGuard) onStateChange(pb *providerBreaker, name string, from, to gobreaker.State) {
	pb.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		if from == gobreaker.StateHalfOpen {
			pb.reopens++
			pb.cooldown = g.escalated(pb.reopens)
		} else {
			pb.reopens = 0
			pb.cooldown = g.settings.Cooldown
		}
		pb.openedAt = time.Now()
	case gobreaker.StateClosed:
		pb.reopens = 0
		pb.cooldown = g.settings.Cooldown
		pb.openedAt = time.Time{}
	}
	cooldown := pb.cooldown
	pb.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"provider": name,
		"from":     from.String(),
		"to":       to.String(),
		"cooldown": cooldown.String(),
	}).Warn("Provider circuit changed state")
}

func (g *CircuitGuard) escalated(reopens int) time.Duration {
	d := g.settings.Cooldown
	for i := 0; i < reopens; i++ {
		d *= 2
		if d >= g.settings.MaxCooldown {
			return g.settings.MaxCooldown
		}
	}
	return d
}

func (pb *providerBreaker) holdRemaining(now time.Time) time.Duration {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.openedAt.IsZero() {
		return 0
	}
	if d := pb.openedAt.Add(pb.cooldown).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Check reports whether the provider is currently short-circuited without
// consuming a half-open trial.
func (g *CircuitGuard) Check(provider string) (bool, time.Duration) {
	pb := g.breaker(provider)
	state := pb.cb.State()
	if state == gobreaker.StateClosed {
		return false, 0
	}
	if d := pb.holdRemaining(time.Now()); d > 0 {
		return true, d
	}
	return false, 0
}

// Acquire admits one provider call. The returned func must be called exactly
// once with whether the provider answered with a rate limit.
func (g *CircuitGuard) Acquire(provider string) (func(rateLimited bool), error) {
	pb := g.breaker(provider)

	if pb.cb.State() != gobreaker.StateClosed {
		if d := pb.holdRemaining(time.Now()); d > 0 {
			return nil, g.openError(provider, d)
		}
	}

	done, err := pb.cb.Allow()
	if err != nil {
		retryAfter := pb.holdRemaining(time.Now())
		if retryAfter <= 0 {
			// Another caller holds the half-open trial.
			retryAfter = g.settings.Cooldown
		}
		return nil, g.openError(provider, retryAfter)
	}

	var once sync.Once
	return func(rateLimited bool) {
		once.Do(func() {
			done(!rateLimited)

			pb.mu.Lock()
			if rateLimited {
				pb.consecutive++
				pb.total++
			} else {
				pb.consecutive = 0
			}
			pb.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			g.quota.Observe(ctx, provider, rateLimited)
		})
	}, nil
}

func (g *CircuitGuard) openError(provider string, retryAfter time.Duration) *SyncError {
	return &SyncError{
		Kind:       KindCircuitOpen,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("provider %s circuit open, retry after %s", provider, retryAfter.Round(time.Second)),
	}
}

// Health returns the current view of one provider's circuit.
func (g *CircuitGuard) Health(ctx context.Context, provider string) ProviderHealth {
	pb := g.breaker(provider)
	state := pb.cb.State()
	now := time.Now()

	pb.mu.Lock()
	h := ProviderHealth{
		Provider:              provider,
		State:                 state.String(),
		ConsecutiveRateLimits: pb.consecutive,
		TotalRateLimits:       pb.total,
		Cooldown:              pb.cooldown,
	}
	pb.mu.Unlock()

	h.RetryAfter = pb.holdRemaining(now)
	if usage, err := g.quota.Usage(ctx, provider); err == nil {
		h.Usage = usage
	} else {
		g.logger.WithError(err).WithField("provider", provider).Debug("Quota usage unavailable")
	}
	return h
}

// Snapshot returns the health of every provider seen so far.
func (g *CircuitGuard) Snapshot(ctx context.Context) []ProviderHealth {
	g.mu.Lock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	g.mu.Unlock()

	sort.Strings(names)
	out := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		out = append(out, g.Health(ctx, name))
	}
	return out
}
