package convo

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReaperConfig holds configuration for the expiry reaper.
type ReaperConfig struct {
	// Expiry is the idle duration after which a conversation is retired.
	// Default: 120 seconds.
	Expiry time.Duration

	// Interval is the scan cadence. Default: 5 seconds.
	Interval time.Duration
}

// DefaultReaperConfig returns a ReaperConfig with the documented defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Expiry:   120 * time.Second,
		Interval: 5 * time.Second,
	}
}

// Reaper periodically retires idle conversations: each tick it scans the
// registry and, for every conversation whose last activity is older than the
// expiry and which is not mid-turn, persists its memory, transitions it to
// retired, and removes it. Conversations in running or lookup are never
// forcibly retired: an outstanding engine call is never interrupted, so its
// eventual answer is never orphaned.
type Reaper struct {
	registry *Registry
	config   ReaperConfig
	logger   *slog.Logger

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewReaper creates a reaper over the given registry. Zero config fields
// fall back to the documented defaults.
func NewReaper(registry *Registry, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	def := DefaultReaperConfig()
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		config:   cfg,
		logger:   logger.With("component", "reaper"),
	}
}

// Run starts the periodic scan loop. It blocks until ctx is cancelled or
// Stop is called. Call this in a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	r.stopMu.Lock()
	r.stopCh = make(chan struct{})
	r.stopMu.Unlock()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapOnce(ctx, time.Now())
		}
	}
}

// Stop signals the runner to stop. Safe to call multiple times.
func (r *Reaper) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	if r.stopCh != nil {
		select {
		case <-r.stopCh:
			// Already closed.
		default:
			close(r.stopCh)
		}
	}
}

// reapOnce performs a single scan relative to now and returns the number of
// conversations retired. The registry lock is held across the whole scan, so
// the tick never races an insert; Retire claims the conversation's state
// atomically, so one that went mid-turn between our state check and the
// claim is skipped and survives until a later tick.
func (r *Reaper) reapOnce(ctx context.Context, now time.Time) int {
	removed := r.registry.RemoveIf(func(c *Conversation) bool {
		if now.Sub(c.LastActivity()) <= r.config.Expiry {
			return false
		}
		if c.State() != StateAnswered {
			// Mid-turn (running/lookup) or not yet opened; leave it alone.
			return false
		}
		if err := c.Retire(ctx, true); err != nil {
			r.logger.Debug("conversation became busy during reap; skipping",
				"key", c.Key().String(),
				"err", err)
			return false
		}
		return true
	})

	if len(removed) > 0 {
		r.logger.Info("idle conversations retired",
			"count", len(removed),
			"active", r.registry.Len())
	}
	return len(removed)
}
