package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default redial parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Redialer re-establishes a dropped upstream connection with exponential
// backoff, preserving conversational context through the manager's stored
// resumption token.
//
// The [Manager] itself never retries; Redialer is the opt-in retry policy.
// Callers start it with [Redialer.Monitor] and signal a drop (an upstream
// goAway or an unexpected stream closure) via [Redialer.NotifyDisconnect].
// On success the configured OnRedial callback runs so the caller can restart
// its receive loop.
//
// All methods are safe for concurrent use.
type Redialer struct {
	manager    *Manager
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onRedial   func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a drop is detected
}

// RedialerConfig configures a [Redialer].
type RedialerConfig struct {
	// Manager is the session to re-establish.
	Manager *Manager

	// MaxRetries is the maximum number of redial attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between attempts. Doubles
	// each attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration

	// OnRedial is called after a successful redial. May be nil.
	OnRedial func()
}

// NewRedialer creates a new [Redialer] with the given configuration.
func NewRedialer(cfg RedialerConfig) *Redialer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Redialer{
		manager:      cfg.Manager,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onRedial:     cfg.OnRedial,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts watching for disconnect signals in a background goroutine.
func (r *Redialer) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the upstream connection was lost
// and a redial should be attempted. Safe to call multiple times; only the
// first call per redial cycle has effect.
func (r *Redialer) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring. Safe to call multiple times. The manager itself is
// left untouched; its owner disconnects it.
func (r *Redialer) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// monitorLoop waits for disconnect notifications and attempts redials.
func (r *Redialer) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptRedial(ctx)
		}
	}
}

// attemptRedial tries to reconnect the manager with exponential backoff.
// The stale connection is torn down first so Connect starts from a clean
// state; the resumption token survives the disconnect.
func (r *Redialer) attemptRedial(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting upstream redial",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		if err := r.manager.Disconnect(); err != nil {
			slog.Warn("redial: stale disconnect failed", "error", err)
		}

		err := r.manager.Connect(ctx)
		if err == nil {
			slog.Info("upstream redial successful", "attempt", attempt)
			if r.onRedial != nil {
				r.onRedial()
			}
			return
		}

		slog.Warn("upstream redial attempt failed",
			"attempt", attempt,
			"error", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("upstream redial failed after max retries",
		"max_retries", r.maxRetries,
	)
}
