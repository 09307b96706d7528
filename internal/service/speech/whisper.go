package speech

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/interview-live/backend/internal/model/speech"
)

// WhisperClient 使用 OpenAI 兼容的 /audio/transcriptions 接口识别整段音频。
type WhisperClient struct {
	client *openai.Client
	model  string
}

func NewWhisperClient(apiKey, baseURL string) *WhisperClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return NewWhisperClientWithConfig(config)
}

func NewWhisperClientWithConfig(config openai.ClientConfig) *WhisperClient {
	return &WhisperClient{client: openai.NewClientWithConfig(config), model: openai.Whisper1}
}

func (c *WhisperClient) Recognize(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	format := req.Format
	if format == "" {
		format = "wav"
	}

	_, lang := profileParams(req.EngineProfile)
	if req.Language != "" {
		lang = req.Language
	}
	lang, _, _ = strings.Cut(lang, "-")

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: req.SessionID + "." + format,
		Reader:   req.AudioData,
		Language: lang,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	return &speech.ASRResponse{
		SessionID:  req.SessionID,
		Text:       text,
		Confidence: confidence(text),
		Duration:   int64(resp.Duration * 1000),
		RequestID:  req.SessionID,
		CreatedAt:  time.Now(),
	}, nil
}
