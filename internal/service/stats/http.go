package stats

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
	"github.com/zhouzirui/interview-live/backend/pkg/utils"
)

// HTTPRecorder posts usage to the stats service.
type HTTPRecorder struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRecorder(baseURL string, client *http.Client) *HTTPRecorder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRecorder{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type recordRequest struct {
	UserID       string     `json:"userId"`
	SessionID    string     `json:"sessionId"`
	AudioMinutes int64      `json:"audioMinutes,omitempty"`
	Type         usage.Kind `json:"type"`
	Amount       int64      `json:"amount"`
}

func (r *HTTPRecorder) Record(ctx context.Context, unit usage.Unit) error {
	body := recordRequest{
		UserID:    unit.UserID,
		SessionID: unit.SessionID,
		Type:      unit.Kind,
		Amount:    unit.Amount,
	}
	// 一次音频计费按一分钟统计
	if unit.Kind == usage.KindAudio {
		body.AudioMinutes = unit.Amount
	}
	if err := utils.PostJSON(ctx, r.client, r.baseURL+"/api/stats/record", body, nil); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (r *HTTPRecorder) EndSession(ctx context.Context, userID, sessionID, reason string) error {
	body := map[string]string{"userId": userID, "sessionId": sessionID, "reason": reason}
	if err := utils.PostJSON(ctx, r.client, r.baseURL+"/api/stats/session/end", body, nil); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}
