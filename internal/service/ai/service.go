package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/model/chat"
)

const defaultHistoryLimit = 10

var ErrEmptyInput = errors.New("nothing to analyze")

// Usage 大模型 token 用量。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Insight 一次分析的结果。
type Insight struct {
	Feedback string
	Usage    *Usage
}

// Options 控制分析链路。
type Options struct {
	Prompt       PromptConfig
	HistoryLimit int
	Logger       zerolog.Logger
}

// Service 基于 eino chain 的面试反馈引擎。
type Service struct {
	chatModel    model.BaseChatModel
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	historyLimit int
	logger       zerolog.Logger
}

// NewService compiles the interviewer chain on top of chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, opts Options) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile interviewer chain: %w", err)
	}

	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	return &Service{
		chatModel:    chatModel,
		chain:        runnable,
		systemPrompt: opts.Prompt.BuildSystemPrompt(),
		historyLimit: limit,
		logger:       opts.Logger,
	}, nil
}

// Analyze 根据对话历史点评候选人的最新回答。
func (s *Service) Analyze(ctx context.Context, sessionID string, history []chat.Message, text string) (*Insight, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	resp, err := s.chain.Invoke(ctx, map[string]any{
		"system":  s.systemPrompt,
		"history": s.historyMessages(history),
		"query":   text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run interviewer chain: %w", err)
	}

	s.logger.Debug().Str("session_id", sessionID).Int("length", len(resp.Content)).Msg("analysis generated")
	return toInsight(resp), nil
}

// AnalyzeScreenshot 识别截图中的题目并给出思路。
func (s *Service) AnalyzeScreenshot(ctx context.Context, sessionID, imageData string) (*Insight, error) {
	url := imageURL(imageData)
	if url == "" {
		return nil, ErrEmptyInput
	}

	input := []*schema.Message{
		schema.SystemMessage(s.systemPrompt),
		{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: screenshotInstruction},
				{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: url, Detail: schema.ImageURLDetailAuto}},
			},
		},
	}

	resp, err := s.chatModel.Generate(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze screenshot: %w", err)
	}

	s.logger.Debug().Str("session_id", sessionID).Int("length", len(resp.Content)).Msg("screenshot analysis generated")
	return toInsight(resp), nil
}

func (s *Service) historyMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	start := 0
	if len(messages) > s.historyLimit {
		start = len(messages) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		switch msg.Sender {
		case chat.SenderCandidate:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderInterviewer:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

func toInsight(msg *schema.Message) *Insight {
	insight := &Insight{Feedback: strings.TrimSpace(msg.Content)}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		u := msg.ResponseMeta.Usage
		insight.Usage = &Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return insight
}

// imageURL 接受 http(s) 地址、data URL 或裸 base64。
func imageURL(data string) string {
	data = strings.TrimSpace(data)
	switch {
	case data == "":
		return ""
	case strings.HasPrefix(data, "data:"), strings.HasPrefix(data, "http://"), strings.HasPrefix(data, "https://"):
		return data
	default:
		return "data:image/png;base64," + data
	}
}
