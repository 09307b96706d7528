package message

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/zhouzirui/interview-live/backend/internal/model/fault"
)

// 入站消息类型
const (
	TypeAuth       = "auth"
	TypeAudio      = "audio"
	TypeScreenshot = "screenshot"
)

// 出站消息类型
const (
	TypeAuthSuccess        = "auth_success"
	TypeTranscription      = "transcription"
	TypeScreenshotAnalysis = "screenshot_analysis"
	TypeError              = "error"
)

// 分析结果状态
const (
	AnalysisOK     = "ok"
	AnalysisFailed = "failed"
)

// Inbound 客户端发来的一帧 JSON。
type Inbound struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Format    string `json:"format,omitempty"`
	ImageData string `json:"imageData,omitempty"`
}

// Decode parses one text frame. The returned fault never echoes the decoder
// error back to the client.
func Decode(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fault.New(fault.ProtocolError, "invalid message payload", err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	return &msg, nil
}

// Known reports whether the declared type is one the gateway routes.
func (m *Inbound) Known() bool {
	switch m.Type {
	case TypeAuth, TypeAudio, TypeScreenshot:
		return true
	default:
		return false
	}
}

// Validate checks the fields required by the declared type.
func (m *Inbound) Validate() error {
	switch m.Type {
	case TypeAuth:
		if strings.TrimSpace(m.Token) == "" {
			return fault.Protocol("token is required for auth messages")
		}
	case TypeAudio:
		if strings.TrimSpace(m.Audio) == "" {
			return fault.Protocol("audio is required for audio messages")
		}
	case TypeScreenshot:
		if strings.TrimSpace(m.ImageData) == "" {
			return fault.Protocol("imageData is required for screenshot messages")
		}
	case "":
		return fault.Protocol("message type is required")
	default:
		return fault.Protocol("unrecognized message type: " + truncate(m.Type, 32))
	}
	return nil
}

// AuthSuccess 认证成功帧。
type AuthSuccess struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	RemainingCredit *int64 `json:"remainingCredit,omitempty"`
}

// TokenUsage 大模型用量。
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Analysis is the optional enrichment attached to results.
type Analysis struct {
	Status   string      `json:"status"`
	Feedback string      `json:"feedback,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`
}

// Transcription 转写结果帧。
type Transcription struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	RequestID string    `json:"requestId"`
	Analysis  *Analysis `json:"analysis,omitempty"`
}

// ScreenshotAnalysis 截图分析结果帧。
type ScreenshotAnalysis struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Analysis  *Analysis `json:"analysis"`
}

// Error 错误帧。
type Error struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewAuthSuccess(sessionID string) *AuthSuccess {
	return &AuthSuccess{Type: TypeAuthSuccess, SessionID: sessionID}
}

func NewTranscription(sessionID, text, requestID string, analysis *Analysis) *Transcription {
	return &Transcription{
		Type:      TypeTranscription,
		SessionID: sessionID,
		Text:      text,
		RequestID: requestID,
		Analysis:  analysis,
	}
}

func NewScreenshotAnalysis(sessionID string, analysis *Analysis) *ScreenshotAnalysis {
	return &ScreenshotAnalysis{Type: TypeScreenshotAnalysis, SessionID: sessionID, Analysis: analysis}
}

// NewError converts any error into the single client-safe error frame.
func NewError(err error) *Error {
	f := fault.From(err)
	if f == nil {
		f = fault.Internal(nil)
	}
	code := f.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	msg := f.Message
	if msg == "" {
		msg = fault.GenericMessage
	}
	return &Error{Type: TypeError, Code: code, Message: msg}
}

// truncate 截断到最多 n 字节，且不切断多字节字符。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
