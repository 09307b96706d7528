package usage

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 计费类型，与额度服务保持一致。
type Kind string

const (
	KindAudio Kind = "AUDIO"
	KindGPT   Kind = "GPT"
)

var ErrInvalidUnit = errors.New("invalid usage unit")

// ParseKind 解析计费类型，大小写不敏感。
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(raw))) {
	case KindAudio:
		return KindAudio, nil
	case KindGPT:
		return KindGPT, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidUnit, raw)
	}
}

// Unit is one billable action. It is handed to the ledger and the recorder
// and never persisted by the gateway itself.
type Unit struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Kind      Kind   `json:"type"`
	Amount    int64  `json:"amount"`
}

// Validate mirrors the credit service's own parameter checks.
func (u Unit) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidUnit)
	}
	if u.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidUnit, u.Amount)
	}
	if _, err := ParseKind(string(u.Kind)); err != nil {
		return err
	}
	return nil
}

// Balance 额度查询结果。
type Balance struct {
	Sufficient bool  `json:"sufficient"`
	Remaining  int64 `json:"remaining"`
}
