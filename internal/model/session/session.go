package session

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/interview-live/backend/internal/model/chat"
)

var (
	ErrUnauthorized = errors.New("session is not authenticated")
	ErrUserMismatch = errors.New("session already bound to another user")
	ErrEmptyUserID  = errors.New("user id is required")
	ErrClosed       = errors.New("session closed")
)

const writeWait = 10 * time.Second

// Conn 是会话独占的底层连接，*websocket.Conn 直接满足该接口。
type Conn interface {
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// AuthState is either Unauthenticated or Authenticated.
type AuthState interface {
	authState()
}

type Unauthenticated struct{}

// Authenticated 只能通过 Session.Authenticate 进入，UserID 非空。
type Authenticated struct {
	UserID string
}

func (Unauthenticated) authState() {}
func (Authenticated) authState()   {}

// Session 一条 WebSocket 连接对应的网关会话。
type Session struct {
	ID        string
	CreatedAt time.Time

	conn    Conn
	writeMu sync.Mutex

	mu      sync.RWMutex
	state   AuthState
	history []chat.Message

	lastActivity atomic.Int64

	// workMu 保护 inFlight 的递增与 evicting 标记
	workMu   sync.Mutex
	inFlight atomic.Int32
	evicting bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps conn in an unauthenticated session with a fresh id.
func New(conn Conn, now time.Time) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now.UTC(),
		conn:      conn,
		state:     Unauthenticated{},
		history:   make([]chat.Message, 0, 16),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// State returns the current auth state.
func (s *Session) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticate binds the session to userID. Re-binding the same user is a
// no-op; a different user is rejected and the existing binding kept.
func (s *Session) Authenticate(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.state.(Authenticated); ok {
		if current.UserID == userID {
			return nil
		}
		return ErrUserMismatch
	}
	s.state = Authenticated{UserID: userID}
	return nil
}

func (s *Session) UserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.state.(Authenticated); ok {
		return a.UserID, true
	}
	return "", false
}

func (s *Session) Authenticated() bool {
	_, ok := s.UserID()
	return ok
}

// Authorize 除 auth 以外的消息都要求已认证。
func (s *Session) Authorize(msgType string) error {
	if msgType == "auth" || s.Authenticated() {
		return nil
	}
	return ErrUnauthorized
}

// Touch 更新最近活跃时间，时间只会前进。
func (s *Session) Touch(now time.Time) {
	next := now.UnixNano()
	for {
		prev := s.lastActivity.Load()
		if next <= prev || s.lastActivity.CompareAndSwap(prev, next) {
			return
		}
	}
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// BeginWork marks a pipeline run in flight; pair with EndWork. It returns
// false once the session is being evicted or closed, and no work may start.
func (s *Session) BeginWork() bool {
	s.workMu.Lock()
	defer s.workMu.Unlock()

	if s.evicting || s.closed.Load() {
		return false
	}
	s.inFlight.Add(1)
	return true
}

func (s *Session) EndWork() {
	if s.inFlight.Add(-1) < 0 {
		s.inFlight.Store(0)
	}
}

func (s *Session) Busy() bool { return s.inFlight.Load() > 0 }

// TryEvict marks the session for eviction if it has been idle for longer than
// threshold at now and has no work in flight. Once marked, BeginWork refuses.
func (s *Session) TryEvict(now time.Time, threshold time.Duration) bool {
	s.workMu.Lock()
	defer s.workMu.Unlock()

	if s.evicting {
		return true
	}
	if s.IdleFor(now) <= threshold || s.inFlight.Load() > 0 {
		return false
	}
	s.evicting = true
	return true
}

// AppendTurn 记录一轮对话，仅供分析上下文使用。
func (s *Session) AppendTurn(msg chat.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = s.ID

	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
}

// History returns a copy of the most recent limit turns; limit <= 0 means all.
func (s *Session) History(limit int) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	copied := make([]chat.Message, len(s.history)-start)
	copy(copied, s.history[start:])
	return copied
}

// Send writes one JSON frame. Writes are serialized; the session is the only
// writer of its connection.
func (s *Session) Send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

// Ping 发送心跳帧。
func (s *Session) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a close frame carrying reason and closes the connection. Safe to
// call more than once; only the first call has an effect.
func (s *Session) Close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		s.closed.Store(true)
		payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *Session) Closed() bool { return s.closed.Load() }
