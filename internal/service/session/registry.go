package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/metrics"
	sessionModel "github.com/zhouzirui/interview-live/backend/internal/model/session"
)

var ErrSessionNotFound = errors.New("session not found")

// EndNotifier 会话结束时的停止计费通知，stats.Recorder 满足该接口。
type EndNotifier interface {
	EndSession(ctx context.Context, userID, sessionID, reason string) error
}

// RegistryOptions 控制会话结束时的通知行为。
type RegistryOptions struct {
	Notifier      EndNotifier
	NotifyTimeout time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Registry 进程内 sessionID → Session 映射。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionModel.Session

	notifier      EndNotifier
	notifyTimeout time.Duration
	logger        zerolog.Logger
	now           func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sessions:      make(map[string]*sessionModel.Session),
		notifier:      opts.Notifier,
		notifyTimeout: opts.NotifyTimeout,
		logger:        opts.Logger.With().Str("component", "registry").Logger(),
		now:           opts.Now,
	}
}

// Create registers a new unauthenticated session owning conn.
func (r *Registry) Create(conn sessionModel.Conn) *sessionModel.Session {
	sess := sessionModel.New(conn, r.now())

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	r.logger.Debug().Str("session_id", sess.ID).Int("sessions", n).Msg("session created")
	return sess
}

func (r *Registry) Get(id string) (*sessionModel.Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Remove deletes id and reports whether it was present. Removing twice is
// harmless.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		metrics.ActiveSessions.Set(float64(n))
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs 返回排序后的会话 ID，用于 /health。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshot copies the current sessions so callers can do I/O without holding
// the lock.
func (r *Registry) Snapshot() []*sessionModel.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*sessionModel.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// End removes sess, sends a best-effort stop signal for authenticated
// sessions and closes the connection. Only the call that actually removed the
// session notifies; closing is idempotent.
func (r *Registry) End(ctx context.Context, sess *sessionModel.Session, reason string) bool {
	removed := r.Remove(sess.ID)

	if removed && r.notifier != nil {
		if userID, ok := sess.UserID(); ok {
			notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
			if err := r.notifier.EndSession(notifyCtx, userID, sess.ID, reason); err != nil {
				r.logger.Warn().Err(err).
					Str("session_id", sess.ID).
					Str("user_id", userID).
					Msg("failed to send end-session notification")
			}
			cancel()
		}
	}

	if err := sess.Close(reason); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("close connection")
	}

	if removed {
		r.logger.Info().
			Str("session_id", sess.ID).
			Str("reason", reason).
			Int("sessions", r.Len()).
			Msg("session ended")
	}
	return removed
}
