package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/metrics"
	"github.com/zhouzirui/interview-live/backend/internal/model/fault"
	"github.com/zhouzirui/interview-live/backend/internal/model/message"
	sessionModel "github.com/zhouzirui/interview-live/backend/internal/model/session"
	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
	"github.com/zhouzirui/interview-live/backend/internal/service/auth"
)

// BalanceChecker 只读额度查询，用于认证成功时附带剩余额度。
type BalanceChecker interface {
	Check(ctx context.Context, userID string) (usage.Balance, error)
}

type MachineOptions struct {
	AuthTimeout   time.Duration
	LedgerTimeout time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Machine 是每条连接的认证/鉴权关口。
type Machine struct {
	verifier      auth.Verifier
	balances      BalanceChecker
	authTimeout   time.Duration
	ledgerTimeout time.Duration
	logger        zerolog.Logger
	now           func() time.Time
}

// NewMachine builds the gate. balances may be nil, in which case auth_success
// carries no remaining credit.
func NewMachine(verifier auth.Verifier, balances BalanceChecker, opts MachineOptions) *Machine {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		verifier:      verifier,
		balances:      balances,
		authTimeout:   opts.AuthTimeout,
		ledgerTimeout: opts.LedgerTimeout,
		logger:        opts.Logger.With().Str("component", "auth").Logger(),
		now:           opts.Now,
	}
}

// HandleAuth verifies token and binds the session on success. On failure the
// session stays open and unauthenticated.
func (m *Machine) HandleAuth(ctx context.Context, sess *sessionModel.Session, token string) (*message.AuthSuccess, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	start := time.Now()
	userID, err := m.verifier.Verify(verifyCtx, token)
	cancel()
	metrics.StepDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			metrics.AuthAttempts.WithLabelValues("rejected").Inc()
			return nil, fault.Auth("invalid or expired token", err)
		}
		metrics.AuthAttempts.WithLabelValues("unavailable").Inc()
		return nil, fault.Upstream("authentication service unavailable", err)
	}

	if err := sess.Authenticate(userID); err != nil {
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		if errors.Is(err, sessionModel.ErrUserMismatch) {
			return nil, fault.New(fault.AuthorizationError, "session already authenticated as another user", err)
		}
		return nil, fault.Auth("invalid or expired token", err)
	}

	metrics.AuthAttempts.WithLabelValues("ok").Inc()
	m.logger.Info().Str("session_id", sess.ID).Str("user_id", userID).Msg("session authenticated")

	resp := message.NewAuthSuccess(sess.ID)
	if m.balances != nil {
		checkCtx, cancel := context.WithTimeout(ctx, m.ledgerTimeout)
		balance, err := m.balances.Check(checkCtx, userID)
		cancel()
		if err != nil {
			m.logger.Debug().Err(err).Str("user_id", userID).Msg("credit check skipped")
		} else {
			remaining := balance.Remaining
			resp.RemainingCredit = &remaining
		}
	}
	return resp, nil
}

// Authorize 统一的鉴权检查。
func (m *Machine) Authorize(sess *sessionModel.Session, msgType string) error {
	if err := sess.Authorize(msgType); err != nil {
		return fault.New(fault.AuthorizationError, "authentication required", err)
	}
	return nil
}

// Touch stamps activity for a successfully parsed message.
func (m *Machine) Touch(sess *sessionModel.Session) {
	sess.Touch(m.now())
}
