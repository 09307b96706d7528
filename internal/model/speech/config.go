package speech

// SpeechConfig 语音识别配置
type SpeechConfig struct {
	Engine string `json:"engine"` // volcengine | whisper

	// Volcengine 配置
	AppID          string `json:"appId"`
	AccessToken    string `json:"accessToken"`
	APIKey         string `json:"apiKey,omitempty"` // 兼容旧配置的 API Key
	BaseURL        string `json:"baseUrl"`
	ConcurrentMode bool   `json:"concurrentMode"` // ASR并发模式（false为小时版）

	// Whisper 配置
	OpenAIKey     string `json:"-"`
	OpenAIBaseURL string `json:"openaiBaseUrl,omitempty"`

	// 识别默认值
	EngineProfile string `json:"engineProfile"`
	Format        string `json:"format"`
	Language      string `json:"language"`
}
