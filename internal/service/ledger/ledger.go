package ledger

import (
	"context"
	"errors"

	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
)

// ErrInsufficientCredit 余额不足。其余错误一律视为额度服务不可用。
var ErrInsufficientCredit = errors.New("insufficient credit")

// Ledger 外部额度账本。Consume 对同一用户必须是原子的。
type Ledger interface {
	Check(ctx context.Context, userID string) (usage.Balance, error)
	Consume(ctx context.Context, unit usage.Unit) error
	Refund(ctx context.Context, unit usage.Unit) error
}
