// Package ratelimit guards the response generator against bursty or abusive
// traffic. It combines per-session debouncing, a rolling request window, a
// bounded concurrency gate, and exponential backoff retries.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// Default guard parameters.
const (
	DefaultDebounce      = 1000 * time.Millisecond
	DefaultWindow        = time.Minute
	DefaultWindowLimit   = 10
	DefaultMaxConcurrent = 2
	DefaultRetryAttempts = 3
	DefaultInitialDelay  = 500 * time.Millisecond
	DefaultMultiplier    = 2.0
	DefaultMaxDelay      = 10 * time.Second

	// staleSessionThreshold controls when idle per-session state is dropped.
	staleSessionThreshold = 30 * time.Minute
	cleanupInterval       = 5 * time.Minute
)

// ErrMaxRetriesExhausted indicates a retried operation kept rate limiting
// until the attempt budget ran out.
var ErrMaxRetriesExhausted = errors.New("maximum retries exhausted")

// Opts holds configuration for the guard.
type Opts struct {
	// Debounce is the minimum gap between accepted messages per session.
	Debounce time.Duration
	// Window is the rolling window used for the request limit.
	Window time.Duration
	// WindowLimit is the maximum accepted messages per session per window.
	WindowLimit int
	// MaxConcurrent bounds simultaneous generator invocations.
	MaxConcurrent int
	// RetryAttempts bounds DoWithRetry invocations of an operation.
	RetryAttempts int
	// InitialDelay is the first backoff delay.
	InitialDelay time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// Option defines a configuration option for the guard.
type Option func(*Opts)

// WithDebounce sets the per-session debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) { o.Debounce = d }
}

// WithWindowLimit sets the rolling window size and limit.
func WithWindowLimit(window time.Duration, limit int) Option {
	return func(o *Opts) {
		o.Window = window
		o.WindowLimit = limit
	}
}

// WithMaxConcurrent sets the concurrency bound for generator calls.
func WithMaxConcurrent(n int) Option {
	return func(o *Opts) { o.MaxConcurrent = n }
}

// WithRetry sets the retry budget and backoff parameters.
func WithRetry(attempts int, initialDelay time.Duration, multiplier float64, maxDelay time.Duration) Option {
	return func(o *Opts) {
		o.RetryAttempts = attempts
		o.InitialDelay = initialDelay
		o.Multiplier = multiplier
		o.MaxDelay = maxDelay
	}
}

// sessionState tracks recent accepted messages for one session.
type sessionState struct {
	lastAccepted time.Time
	window       []time.Time
}

// Guard enforces debounce, window, and concurrency limits around the
// response generator.
type Guard struct {
	opts Opts

	mu       sync.Mutex
	sessions map[string]*sessionState

	sem  chan struct{}
	stop chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// NewGuard creates a guard with the provided options.
func NewGuard(opts ...Option) *Guard {
	cfg := Opts{
		Debounce:      DefaultDebounce,
		Window:        DefaultWindow,
		WindowLimit:   DefaultWindowLimit,
		MaxConcurrent: DefaultMaxConcurrent,
		RetryAttempts: DefaultRetryAttempts,
		InitialDelay:  DefaultInitialDelay,
		Multiplier:    DefaultMultiplier,
		MaxDelay:      DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	slog.Debug("Guard.NewGuard: creating guard",
		"debounce", cfg.Debounce, "window", cfg.Window, "windowLimit", cfg.WindowLimit,
		"maxConcurrent", cfg.MaxConcurrent, "retryAttempts", cfg.RetryAttempts)

	g := &Guard{
		opts:     cfg,
		sessions: make(map[string]*sessionState),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go g.cleanupLoop()
	return g
}

// AllowMessage admits or rejects one incoming message for a session,
// returning models.ErrDebounced when the message arrives inside the debounce
// interval. The rolling window applies to generation requests, not message
// intake; see AllowGeneration.
func (g *Guard) AllowMessage(sessionID string) error {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.session(sessionID)
	if !st.lastAccepted.IsZero() && now.Sub(st.lastAccepted) < g.opts.Debounce {
		slog.Debug("Guard.AllowMessage: debounced", "sessionID", sessionID, "sinceLast", now.Sub(st.lastAccepted))
		return models.ErrDebounced
	}
	st.lastAccepted = now
	return nil
}

// AllowGeneration charges one outbound generation request against the
// session's rolling window. It returns models.ErrRateLimited when the window
// is full; rejected requests are not charged.
func (g *Guard) AllowGeneration(sessionID string) error {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.session(sessionID)
	cutoff := now.Add(-g.opts.Window)
	kept := st.window[:0]
	for _, ts := range st.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.window = kept

	if len(st.window) >= g.opts.WindowLimit {
		slog.Warn("Guard.AllowGeneration: window limit reached", "sessionID", sessionID, "limit", g.opts.WindowLimit)
		return models.ErrRateLimited
	}
	st.window = append(st.window, now)
	return nil
}

// session returns the per-session state, creating it when absent. Callers
// must hold g.mu.
func (g *Guard) session(sessionID string) *sessionState {
	st := g.sessions[sessionID]
	if st == nil {
		st = &sessionState{}
		g.sessions[sessionID] = st
	}
	return st
}

// Acquire blocks until a concurrency slot is free or the context ends.
// Callers must Release the slot when done.
func (g *Guard) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (g *Guard) Release() {
	<-g.sem
}

// Enqueue runs op once a concurrency slot is available, releasing the slot
// afterwards. Waiters block in arrival order at the semaphore.
func (g *Guard) Enqueue(ctx context.Context, op func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return op(ctx)
}

// ComputeBackoff returns the delay before the given attempt, 1-based.
// Delays grow geometrically and are capped at MaxDelay.
func (g *Guard) ComputeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(g.opts.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= g.opts.Multiplier
		if time.Duration(delay) >= g.opts.MaxDelay {
			return g.opts.MaxDelay
		}
	}
	d := time.Duration(delay)
	if d > g.opts.MaxDelay {
		d = g.opts.MaxDelay
	}
	return d
}

// DoWithRetry runs op, retrying only on models.ErrRateLimited with
// exponential backoff. Any other error returns immediately. When every
// attempt rate limits, the last error is wrapped in ErrMaxRetriesExhausted.
func (g *Guard) DoWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= g.opts.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrRateLimited) {
			return err
		}
		lastErr = err
		if attempt == g.opts.RetryAttempts {
			break
		}
		delay := g.ComputeBackoff(attempt)
		slog.Warn("Guard.DoWithRetry: rate limited, backing off",
			"attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExhausted, g.opts.RetryAttempts, lastErr)
}

// cleanupLoop drops session state that has been idle past the stale
// threshold.
func (g *Guard) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.cleanupStale()
		}
	}
}

func (g *Guard) cleanupStale() {
	cutoff := g.now().Add(-staleSessionThreshold)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, st := range g.sessions {
		if st.lastAccepted.Before(cutoff) {
			delete(g.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Guard.cleanupStale: removed idle sessions", "count", removed)
	}
}

// Stop terminates the background cleanup loop.
func (g *Guard) Stop() {
	close(g.stop)
}
