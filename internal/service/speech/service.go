package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/interview-live/backend/internal/model/speech"
)

var ErrInvalidAudio = errors.New("audio payload is not valid base64")

// Engine 底层识别引擎。
type Engine interface {
	Recognize(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error)
}

// Service 语音识别入口：解码客户端音频并补全识别参数。
type Service struct {
	engine        Engine
	engineProfile string
	format        string
	language      string
}

// NewService 根据配置选择识别引擎。
func NewService(cfg *speech.SpeechConfig, opts ...VolcengineOption) *Service {
	var engine Engine
	switch strings.ToLower(cfg.Engine) {
	case "whisper":
		engine = NewWhisperClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
	default:
		engine = NewVolcengineClient(cfg, opts...)
	}
	return NewServiceWithEngine(engine, cfg)
}

func NewServiceWithEngine(engine Engine, cfg *speech.SpeechConfig) *Service {
	s := &Service{engine: engine, engineProfile: "16k_zh", format: "wav"}
	if cfg != nil {
		if cfg.EngineProfile != "" {
			s.engineProfile = cfg.EngineProfile
		}
		if cfg.Format != "" {
			s.format = cfg.Format
		}
		s.language = cfg.Language
	}
	return s
}

// DecodeAudio 接受纯 base64 或 data URL。
func DecodeAudio(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if _, data, ok := strings.Cut(payload, ";base64,"); ok && strings.HasPrefix(payload, "data:") {
		payload = data
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidAudio
	}
	return raw, nil
}

// Transcribe 识别一段已解码的音频，sessionID 同时作为请求标识。
func (s *Service) Transcribe(ctx context.Context, sessionID string, audio []byte, format string) (*speech.ASRResponse, error) {
	if format == "" {
		format = s.format
	}
	resp, err := s.engine.Recognize(ctx, &speech.ASRRequest{
		SessionID:     sessionID,
		AudioData:     bytes.NewReader(audio),
		Format:        format,
		Language:      s.language,
		EngineProfile: s.engineProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("recognize session %s: %w", sessionID, err)
	}
	if resp.RequestID == "" {
		resp.RequestID = sessionID
	}
	return resp, nil
}
