package speech

import (
	"io"
)

// ASRRequest 语音识别请求
type ASRRequest struct {
	SessionID     string    `json:"sessionId"`
	AudioData     io.Reader `json:"-"`
	Format        string    `json:"format"`        // wav, mp3, webm, etc.
	Language      string    `json:"language"`      // zh-CN, en-US, etc.
	EngineProfile string    `json:"engineProfile"` // 16k_zh, 16k_en, ...
}
