// File: internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/formforge/autoapply/internal/config"
)

// ErrPoolClosed is returned by Acquire once the pool has been shut down.
var ErrPoolClosed = errors.New("session pool is closed")

// slot tracks one session and the number of tabs it currently serves. A slot
// is reserved (tab count incremented) under the pool lock before any slow
// browser work starts, so concurrent acquirers can never overcommit capacity.
type slot struct {
	driver   Driver
	tabs     int
	lastUsed time.Time
	starting bool
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Sessions    int `json:"sessions"`
	Tabs        int `json:"tabs"`
	MaxSessions int `json:"max_sessions"`
	MaxTabs     int `json:"max_tabs"`
	Waiters     int `json:"waiters"`
}

// Utilization reports occupied tab capacity as a fraction of the maximum.
func (s PoolStats) Utilization() float64 {
	capacity := s.MaxSessions * s.MaxTabs
	if capacity == 0 {
		return 0
	}
	return float64(s.Tabs) / float64(capacity)
}

// PoolOption customizes pool construction.
type PoolOption func(*SessionPool)

// WithDriverFactory overrides how sessions are created. Used by tests to
// substitute fake drivers.
func WithDriverFactory(f DriverFactory) PoolOption {
	return func(p *SessionPool) { p.factory = f }
}

// WithReaperInterval overrides how often idle sessions are scanned.
func WithReaperInterval(d time.Duration) PoolOption {
	return func(p *SessionPool) { p.reapInterval = d }
}

// SessionPool maintains up to MaxSessions live sessions, each serving up to
// MaxTabsPerSession concurrent tabs. When the pool is saturated, Acquire
// parks the caller on a wait list and wakes it as soon as a tab is released,
// rather than polling.
type SessionPool struct {
	cfg          config.BrowserConfig
	logger       *zap.Logger
	factory      DriverFactory
	reapInterval time.Duration

	mu       sync.Mutex
	slots    []*slot
	leases   map[string]*slot
	waiters  []chan struct{}
	closed   bool
	stopReap chan struct{}
	reapDone chan struct{}
}

// NewSessionPool creates the pool and starts its idle-session reaper.
func NewSessionPool(cfg config.BrowserConfig, logger *zap.Logger, opts ...PoolOption) *SessionPool {
	p := &SessionPool{
		cfg:          cfg,
		logger:       logger.Named("pool"),
		factory:      NewChromeDriverFactory(cfg, logger),
		reapInterval: 30 * time.Second,
		leases:       make(map[string]*slot),
		stopReap:     make(chan struct{}),
		reapDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.reapLoop()
	return p
}

// Acquire returns a tab, creating a session if capacity allows, or blocking
// until one is released or ctx is cancelled.
func (p *SessionPool) Acquire(ctx context.Context) (Tab, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Prefer an existing live session with spare tab capacity.
		if s := p.spareLocked(); s != nil {
			s.tabs++
			s.lastUsed = time.Now()
			p.mu.Unlock()
			return p.openTab(ctx, s)
		}

		// Grow the pool. The slot is appended before the slow browser start
		// so the session cap holds under concurrent acquires.
		if len(p.slots) < p.cfg.MaxSessions {
			s := &slot{tabs: 1, lastUsed: time.Now(), starting: true}
			p.slots = append(p.slots, s)
			p.mu.Unlock()

			driver, err := p.factory(ctx)
			p.mu.Lock()
			if err != nil {
				p.removeSlotLocked(s)
				p.notifyLocked()
				p.mu.Unlock()
				return nil, fmt.Errorf("failed to start session: %w", err)
			}
			s.driver = driver
			s.starting = false
			p.mu.Unlock()
			return p.openTab(ctx, s)
		}

		// Saturated. Park until a release or session removal makes room.
		wait := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			p.mu.Lock()
			p.dropWaiterLocked(wait)
			p.mu.Unlock()
			return nil, fmt.Errorf("timed out waiting for a free session: %w", ctx.Err())
		}
	}
}

// openTab creates the tab on a reserved slot, releasing the reservation on
// failure. A session that can no longer serve tabs is removed so the next
// attempt starts a fresh one.
func (p *SessionPool) openTab(ctx context.Context, s *slot) (Tab, error) {
	tab, err := s.driver.NewTab(ctx)
	if err != nil {
		p.mu.Lock()
		s.tabs--
		dead := !s.driver.Alive()
		if dead {
			p.removeSlotLocked(s)
		}
		p.notifyLocked()
		p.mu.Unlock()

		if dead {
			p.closeDriver(s.driver)
			return nil, fmt.Errorf("browser crash: %w", err)
		}
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	p.mu.Lock()
	p.leases[tab.ID()] = s
	p.mu.Unlock()
	return tab, nil
}

// Release returns a tab to the pool, closing it and waking one waiter.
func (p *SessionPool) Release(ctx context.Context, tab Tab) {
	if tab == nil {
		return
	}
	if err := tab.Close(ctx); err != nil {
		p.logger.Warn("Failed to close released tab.", zap.String("tab_id", tab.ID()), zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.leases[tab.ID()]
	if !ok {
		return
	}
	delete(p.leases, tab.ID())
	s.tabs--
	s.lastUsed = time.Now()
	p.notifyLocked()
}

// HealthCheck probes every session concurrently, removes the dead ones, and
// returns how many were removed.
func (p *SessionPool) HealthCheck(ctx context.Context) int {
	p.mu.Lock()
	snapshot := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if !s.starting {
			snapshot = append(snapshot, s)
		}
	}
	p.mu.Unlock()

	var dmu sync.Mutex
	var dead []*slot

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range snapshot {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if !s.driver.Alive() {
				dmu.Lock()
				dead = append(dead, s)
				dmu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(dead) == 0 {
		return 0
	}

	p.mu.Lock()
	for _, s := range dead {
		p.removeSlotLocked(s)
	}
	p.notifyAllLocked()
	p.mu.Unlock()

	for _, s := range dead {
		p.closeDriver(s.driver)
	}
	p.logger.Warn("Removed dead sessions from pool.", zap.Int("count", len(dead)))
	return len(dead)
}

// Stats returns a snapshot of current occupancy.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	tabs := 0
	for _, s := range p.slots {
		tabs += s.tabs
	}
	return PoolStats{
		Sessions:    len(p.slots),
		Tabs:        tabs,
		MaxSessions: p.cfg.MaxSessions,
		MaxTabs:     p.cfg.MaxTabsPerSession,
		Waiters:     len(p.waiters),
	}
}

// Close shuts the pool down. Parked acquirers are woken and observe
// ErrPoolClosed; live sessions are closed.
func (p *SessionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := p.slots
	p.slots = nil
	p.leases = make(map[string]*slot)
	p.notifyAllLocked()
	p.mu.Unlock()

	close(p.stopReap)
	<-p.reapDone

	var firstErr error
	for _, s := range slots {
		if s.driver == nil {
			continue
		}
		if err := s.driver.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.logger.Info("Session pool closed.", zap.Int("sessions", len(slots)))
	return firstErr
}

// reapLoop periodically closes sessions that have sat idle with no tabs
// longer than the configured idle timeout.
func (p *SessionPool) reapLoop() {
	defer close(p.reapDone)

	interval := p.reapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *SessionPool) reapIdle() {
	idleTimeout := p.cfg.IdleTimeout
	if idleTimeout <= 0 {
		return
	}

	p.mu.Lock()
	var idle []*slot
	for _, s := range p.slots {
		if !s.starting && s.tabs == 0 && time.Since(s.lastUsed) > idleTimeout {
			idle = append(idle, s)
		}
	}
	for _, s := range idle {
		p.removeSlotLocked(s)
	}
	p.mu.Unlock()

	for _, s := range idle {
		p.closeDriver(s.driver)
	}
	if len(idle) > 0 {
		p.logger.Info("Reaped idle sessions.", zap.Int("count", len(idle)))
	}
}

func (p *SessionPool) closeDriver(d Driver) {
	if d == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.Close(closeCtx); err != nil {
		p.logger.Warn("Failed to close session.", zap.Error(err))
	}
}

func (p *SessionPool) spareLocked() *slot {
	for _, s := range p.slots {
		if s.starting || s.driver == nil {
			continue
		}
		if s.tabs < p.cfg.MaxTabsPerSession && s.driver.Alive() {
			return s
		}
	}
	return nil
}

func (p *SessionPool) removeSlotLocked(target *slot) {
	for i, s := range p.slots {
		if s == target {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

func (p *SessionPool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

func (p *SessionPool) notifyAllLocked() {
	for _, w := range p.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
}

func (p *SessionPool) dropWaiterLocked(target chan struct{}) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
