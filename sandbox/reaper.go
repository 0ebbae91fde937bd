package sandbox

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// reaper periodically stops ephemeral sandboxes that have been idle longer
// than IdleTimeout. At most one sweep loop runs at a time. The loop exits on
// its own once the registry is empty and is restarted by the next launch.
type reaper struct {
	m   *Manager
	log logrus.FieldLogger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc

	evictions sync.WaitGroup
}

func newReaper(m *Manager) *reaper {
	return &reaper{
		m:   m,
		log: m.log.WithField("component", "sandbox.reaper"),
	}
}

// ensure starts the sweep loop unless one is already running or StopAll is
// in progress.
func (r *reaper) ensure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil || r.m.isStopping() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.gen++
	r.cancel = cancel
	ticker := r.m.clock.NewTicker(r.m.cfg.SweepInterval)

	r.log.WithField("interval", r.m.cfg.SweepInterval).Debug("Idle reaper started")
	go r.run(ctx, ticker, r.gen)
}

// running reports whether a sweep loop is active.
func (r *reaper) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// stop cancels the sweep loop. In-flight evictions finish on their own.
func (r *reaper) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *reaper) run(ctx context.Context, ticker clockwork.Ticker, gen uint64) {
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweep(ctx)
			if r.stopIfIdle(gen) {
				return
			}
		}
	}
}

// sweep starts an eviction for every stale ephemeral sandbox.
func (r *reaper) sweep(ctx context.Context) {
	now := r.m.clock.Now()
	timeout := r.m.cfg.IdleTimeout

	r.m.mu.RLock()
	var stale []*ManagedContainer
	for _, mc := range r.m.containers {
		if mc.Role.IsService() {
			continue
		}
		if now.Sub(mc.LastUsedAt()) > timeout {
			stale = append(stale, mc)
		}
	}
	r.m.mu.RUnlock()

	for _, mc := range stale {
		r.evictions.Add(1)
		go func(mc *ManagedContainer) {
			defer r.evictions.Done()
			if err := r.evict(ctx, mc); err != nil {
				r.log.WithError(err).WithField("tool", mc.ToolName).Warn("Idle eviction failed, will retry")
			}
		}(mc)
	}
}

// evict stops mc if it is still registered and still stale once the tool
// lock is held. A claimed mc is skipped by GetClient's fast path. If its
// client fails to close it stays registered.
func (r *reaper) evict(ctx context.Context, mc *ManagedContainer) error {
	m := r.m
	m.toolLocks.Lock(mc.ToolName)
	defer m.toolLocks.Unlock(mc.ToolName)

	if m.lookup(mc.ToolName) != mc {
		return nil
	}
	if !mc.retireIfIdle(m.clock.Now(), m.cfg.IdleTimeout) {
		return nil
	}

	if err := m.stop(ctx, mc, true); err != nil {
		mc.unretire()
		return &EvictionError{ToolName: mc.ToolName, Err: err}
	}

	m.metrics.evictions.Inc()
	r.log.WithFields(logrus.Fields{"tool": mc.ToolName, "id": mc.ID}).Info("Stopped idle sandbox")
	return nil
}

// stopIfIdle ends the loop identified by gen when nothing is left to watch.
func (r *reaper) stopIfIdle(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gen != gen || r.cancel == nil {
		return true
	}
	if r.m.Count() > 0 {
		return false
	}

	r.cancel()
	r.cancel = nil
	r.log.Debug("Idle reaper stopped, no sandboxes left")
	return true
}

// wait blocks until in-flight evictions have finished.
func (r *reaper) wait() {
	r.evictions.Wait()
}
