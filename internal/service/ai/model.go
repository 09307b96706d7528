package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/interview-live/backend/internal/config"
)

// NewChatModel 按 provider 选择底层大模型。
func NewChatModel(ctx context.Context, cfg config.AIConfig) (model.BaseChatModel, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIChatModel(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.Model), nil
	case "", "ark":
		return cfg.NewChatModel(ctx)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}
