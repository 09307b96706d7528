package stats

import (
	"context"

	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
)

// Recorder 使用统计汇报。所有调用方都把它当作尽力而为。
type Recorder interface {
	Record(ctx context.Context, unit usage.Unit) error
	EndSession(ctx context.Context, userID, sessionID, reason string) error
}
