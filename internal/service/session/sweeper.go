package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/metrics"
)

const idleReason = "idle timeout"

type SweeperOptions struct {
	Interval  time.Duration
	Threshold time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Sweeper 定期清理长时间无活动的会话。
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewSweeper(registry *Registry, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		registry:  registry,
		interval:  opts.Interval,
		threshold: opts.Threshold,
		logger:    opts.Logger.With().Str("component", "sweeper").Logger(),
		now:       opts.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("threshold", s.threshold).
		Msg("idle sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("idle sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx, s.now())
		}
	}
}

// Sweep evicts every session idle for longer than the threshold at now and
// returns the evicted ids. Sessions with a pipeline run in flight are left for
// a later tick; a session that passes the check is marked so no new run can
// start before it is closed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) []string {
	var evicted []string
	for _, sess := range s.registry.Snapshot() {
		if sess.IdleFor(now) <= s.threshold {
			continue
		}
		// 复查与标记在会话锁内完成，标记后新的消息不会再开始计费
		if !sess.TryEvict(now, s.threshold) {
			s.logger.Debug().Str("session_id", sess.ID).Msg("idle session busy, skipping")
			continue
		}
		if s.registry.End(ctx, sess, idleReason) {
			metrics.SessionsEvicted.Inc()
			evicted = append(evicted, sess.ID)
		}
	}

	if len(evicted) > 0 {
		s.logger.Info().Int("evicted", len(evicted)).Int("remaining", s.registry.Len()).Msg("idle sessions evicted")
	}
	return evicted
}
