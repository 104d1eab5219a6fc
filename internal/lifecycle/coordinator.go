// Package lifecycle reacts to authentication and app foreground/background
// transitions, driving the realtime subscription service and the query cache
// so neither outlives the session that owns it.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/pulsefit/sync_layer/internal/cache"
	"github.com/pulsefit/sync_layer/pkg/logger"
)

// AuthState is the authentication phase of the session.
type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthVerifying
	AuthAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case AuthVerifying:
		return "verifying"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// AppState is the OS-level foreground state of the app.
type AppState int

const (
	AppActive AppState = iota
	AppBackground
	AppInactive
)

func (s AppState) String() string {
	switch s {
	case AppBackground:
		return "background"
	case AppInactive:
		return "inactive"
	default:
		return "active"
	}
}

// SubscriptionService is the slice of the realtime service the coordinator
// drives.
type SubscriptionService interface {
	Start(userID string) error
	Stop(graceful bool)
	Cleanup()
}

// Cache is the slice of the query cache the coordinator drives.
type Cache interface {
	Invalidate(prefix cache.Key)
	Clear()
}

// StoreClearer purges the persisted store on logout.
type StoreClearer interface {
	Clear(ctx context.Context) error
}

// Options configure a Coordinator.
type Options struct {
	Service SubscriptionService
	Cache   Cache
	Store   StoreClearer
	Log     *logger.Logger

	// SettleDelay is the wait between entering (authenticated, active) and
	// starting subscriptions, so a connection is not opened while token
	// initialization is still in flight. Cancelled if state changes first.
	SettleDelay time.Duration

	// HighValueKeys are force-invalidated when the app returns to the
	// foreground, covering changes missed while backgrounded.
	HighValueKeys []cache.Key
}

// DefaultHighValueKeys are the prefixes whose staleness is most visible to
// the user after a resume.
func DefaultHighValueKeys() []cache.Key {
	return []cache.Key{
		cache.K("goals"),
		cache.K("habits"),
		cache.K("stats"),
	}
}

// Coordinator is a reactive state machine over (authState, appState). It is
// push-driven: SetAuthState and SetAppState are the only inputs, and the
// settle timer is the only thing it owns that fires on its own.
type Coordinator struct {
	svc         SubscriptionService
	cache       Cache
	store       StoreClearer
	log         *logger.Logger
	settleDelay time.Duration
	highValue   []cache.Key

	mu            sync.Mutex
	auth          AuthState
	app           AppState
	userID        string
	started       bool
	resumePending bool
	settleSeq     uint64
	settleTimer   *time.Timer
}

// NewCoordinator builds a coordinator. Initial state is (unauthenticated,
// active) with no side effects until the first transition.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Log == nil {
		opts.Log = logger.NewDefault("lifecycle")
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}
	if opts.HighValueKeys == nil {
		opts.HighValueKeys = DefaultHighValueKeys()
	}
	return &Coordinator{
		svc:         opts.Service,
		cache:       opts.Cache,
		store:       opts.Store,
		log:         opts.Log,
		settleDelay: opts.SettleDelay,
		highValue:   opts.HighValueKeys,
	}
}

// SetAuthState feeds an authentication transition into the state machine.
func (c *Coordinator) SetAuthState(state AuthState, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.auth
	c.auth = state
	if state == AuthAuthenticated {
		c.userID = userID
	}
	c.log.WithFields(map[string]interface{}{
		"from": prev.String(),
		"to":   state.String(),
	}).Debug("auth state changed")

	switch state {
	case AuthUnauthenticated:
		if prev != AuthUnauthenticated {
			c.logoutLocked()
		}
	case AuthVerifying:
		// Transient while the post-login destination is determined.
	case AuthAuthenticated:
		c.evaluateLocked()
	}
}

// SetAppState feeds an OS foreground/background transition in.
func (c *Coordinator) SetAppState(state AppState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.app
	c.app = state
	if prev == state {
		return
	}
	c.log.WithFields(map[string]interface{}{
		"from": prev.String(),
		"to":   state.String(),
	}).Debug("app state changed")

	switch state {
	case AppBackground:
		c.cancelSettleLocked()
		if c.started {
			c.svc.Stop(true)
			c.started = false
			c.resumePending = true
		}
	case AppActive:
		if prev == AppBackground {
			c.resumePending = true
		}
		c.evaluateLocked()
	case AppInactive:
		// Transient (app switcher, incoming call); no action.
	}
}

// Close cancels any pending settle timer. It does not tear subscriptions
// down; feed an unauthenticated transition for that.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelSettleLocked()
}

// evaluateLocked schedules a subscription start when the session is
// authenticated and foregrounded.
func (c *Coordinator) evaluateLocked() {
	if c.auth != AuthAuthenticated || c.app != AppActive || c.started {
		return
	}
	if c.settleTimer != nil {
		return // already scheduled
	}
	c.settleSeq++
	seq := c.settleSeq
	c.settleTimer = time.AfterFunc(c.settleDelay, func() { c.onSettle(seq) })
}

// onSettle fires after the settle delay; the sequence check discards timers
// that were superseded by a later transition.
func (c *Coordinator) onSettle(seq uint64) {
	c.mu.Lock()
	if seq != c.settleSeq {
		c.mu.Unlock()
		return
	}
	c.settleTimer = nil
	if c.auth != AuthAuthenticated || c.app != AppActive || c.started {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	resume := c.resumePending
	c.resumePending = false
	c.started = true
	c.mu.Unlock()

	if err := c.svc.Start(userID); err != nil {
		c.log.WithError(err).Warn("subscription start failed")
	}
	if resume {
		for _, prefix := range c.highValue {
			c.cache.Invalidate(prefix)
		}
		c.log.WithField("prefixes", len(c.highValue)).Info("resume invalidation applied")
	}
}

// logoutLocked is the hard purge: one user's cached data must never leak
// into the next session on the same device.
func (c *Coordinator) logoutLocked() {
	c.cancelSettleLocked()
	c.svc.Cleanup()
	c.cache.Clear()
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.store.Clear(ctx); err != nil {
			c.log.WithError(err).Warn("persisted store clear failed")
		}
		cancel()
	}
	c.started = false
	c.resumePending = false
	c.userID = ""
	c.log.Info("session purged on logout")
}

func (c *Coordinator) cancelSettleLocked() {
	c.settleSeq++
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}
