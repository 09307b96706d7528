package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
	"github.com/zhouzirui/interview-live/backend/pkg/utils"
)

// HTTPLedger talks to the credit service REST API.
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLedger(baseURL string, client *http.Client) *HTTPLedger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLedger{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type creditResponse struct {
	Success    bool   `json:"success"`
	Sufficient bool   `json:"sufficient"`
	Remaining  int64  `json:"remaining"`
	Message    string `json:"message"`
}

func (l *HTTPLedger) Check(ctx context.Context, userID string) (usage.Balance, error) {
	var out creditResponse
	err := utils.PostJSON(ctx, l.client, l.baseURL+"/api/credits/check", map[string]string{"userId": userID}, &out)
	if err != nil {
		// 没有额度记录的用户按余额为零处理
		if statusOf(err) == http.StatusNotFound {
			return usage.Balance{}, nil
		}
		return usage.Balance{}, fmt.Errorf("credit check: %w", err)
	}
	return usage.Balance{Sufficient: out.Sufficient, Remaining: out.Remaining}, nil
}

func (l *HTTPLedger) Consume(ctx context.Context, unit usage.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	var out creditResponse
	err := utils.PostJSON(ctx, l.client, l.baseURL+"/api/credits/consume", unit, &out)
	if err != nil {
		switch statusOf(err) {
		case http.StatusPaymentRequired, http.StatusNotFound:
			return ErrInsufficientCredit
		}
		return fmt.Errorf("credit consume: %w", err)
	}
	if !out.Success {
		return ErrInsufficientCredit
	}
	return nil
}

func (l *HTTPLedger) Refund(ctx context.Context, unit usage.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	var out creditResponse
	if err := utils.PostJSON(ctx, l.client, l.baseURL+"/api/credits/refund", unit, &out); err != nil {
		return fmt.Errorf("credit refund: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("credit refund rejected: %s", out.Message)
	}
	return nil
}

func statusOf(err error) int {
	var statusErr *utils.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
