package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"

	speechmodel "github.com/zhouzirui/interview-live/backend/internal/model/speech"
)

// Config 聚合整个网关的配置项。
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Session  SessionConfig `mapstructure:"session"`
	Timeouts TimeoutConfig `mapstructure:"timeouts"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Ledger   LedgerConfig  `mapstructure:"ledger"`
	Stats    StatsConfig   `mapstructure:"stats"`
	Speech   SpeechConfig  `mapstructure:"speech"`
	AI       AIConfig      `mapstructure:"ai"`
}

// ServerConfig 描述 HTTP / WebSocket 服务配置。
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WSPath         string        `mapstructure:"ws_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig 空闲回收参数。
type SessionConfig struct {
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TimeoutConfig 每类外部调用的超时。
type TimeoutConfig struct {
	Auth       time.Duration `mapstructure:"auth"`
	Ledger     time.Duration `mapstructure:"ledger"`
	Refund     time.Duration `mapstructure:"refund"`
	Transcribe time.Duration `mapstructure:"transcribe"`
	Analyze    time.Duration `mapstructure:"analyze"`
	Record     time.Duration `mapstructure:"record"`
	Notify     time.Duration `mapstructure:"notify"`
}

type AuthConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// LedgerConfig 额度账本，backend 为 http 或 redis。
type LedgerConfig struct {
	Backend       string `mapstructure:"backend"`
	BaseURL       string `mapstructure:"base_url"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	UnitCost      int64  `mapstructure:"unit_cost"`
}

// StatsConfig 使用统计，backend 为 http、sqlite 或 none。
type StatsConfig struct {
	Backend    string `mapstructure:"backend"`
	BaseURL    string `mapstructure:"base_url"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// SpeechConfig 描述语音识别相关配置
type SpeechConfig struct {
	Engine         string `mapstructure:"engine"`
	AppID          string `mapstructure:"app_id"`
	AccessToken    string `mapstructure:"access_token"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	ConcurrentMode bool   `mapstructure:"concurrent_mode"`
	OpenAIKey      string `mapstructure:"openai_api_key"`
	OpenAIBaseURL  string `mapstructure:"openai_base_url"`
	EngineProfile  string `mapstructure:"engine_profile"`
	Format         string `mapstructure:"format"`
	Language       string `mapstructure:"language"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider      string   `mapstructure:"provider"`
	APIKey        string   `mapstructure:"api_key"`
	AccessKey     string   `mapstructure:"access_key"`
	SecretKey     string   `mapstructure:"secret_key"`
	Model         string   `mapstructure:"model"`
	BaseURL       string   `mapstructure:"base_url"`
	Region        string   `mapstructure:"region"`
	Temperature   *float64 `mapstructure:"temperature"`
	TopP          *float64 `mapstructure:"top_p"`
	MaxTokens     *int     `mapstructure:"max_tokens"`
	OpenAIKey     string   `mapstructure:"openai_api_key"`
	OpenAIBaseURL string   `mapstructure:"openai_base_url"`
	HistoryLimit  int      `mapstructure:"history_limit"`
	SystemPrompt  string   `mapstructure:"system_prompt"`
	Position      string   `mapstructure:"position"`
}

// Load 读取配置文件（可选）并叠加 GATEWAY_ 前缀的环境变量。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	addr, err := normalizeAddr(cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.read_limit", 8<<20)
	v.SetDefault("server.ping_interval", 54*time.Second)
	v.SetDefault("server.pong_wait", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("session.idle_threshold", 30*time.Minute)
	v.SetDefault("session.sweep_interval", 5*time.Minute)

	v.SetDefault("timeouts.auth", 5*time.Second)
	v.SetDefault("timeouts.ledger", 5*time.Second)
	v.SetDefault("timeouts.refund", 5*time.Second)
	v.SetDefault("timeouts.transcribe", 30*time.Second)
	v.SetDefault("timeouts.analyze", 30*time.Second)
	v.SetDefault("timeouts.record", 5*time.Second)
	v.SetDefault("timeouts.notify", 3*time.Second)

	v.SetDefault("auth.base_url", "http://localhost:3001")
	v.SetDefault("auth.cache_size", 4096)
	v.SetDefault("auth.cache_ttl", 5*time.Minute)

	v.SetDefault("ledger.backend", "http")
	v.SetDefault("ledger.base_url", "http://localhost:3003")
	v.SetDefault("ledger.redis_addr", "localhost:6379")
	v.SetDefault("ledger.redis_password", "")
	v.SetDefault("ledger.redis_db", 0)
	v.SetDefault("ledger.unit_cost", 1)

	v.SetDefault("stats.backend", "http")
	v.SetDefault("stats.base_url", "http://localhost:3004")
	v.SetDefault("stats.sqlite_path", "data/gateway-stats.db")

	v.SetDefault("speech.engine", "volcengine")
	v.SetDefault("speech.app_id", "")
	v.SetDefault("speech.access_token", "")
	v.SetDefault("speech.api_key", "")
	v.SetDefault("speech.base_url", "")
	v.SetDefault("speech.concurrent_mode", false)
	v.SetDefault("speech.openai_api_key", "")
	v.SetDefault("speech.openai_base_url", "")
	v.SetDefault("speech.engine_profile", "16k_zh")
	v.SetDefault("speech.format", "wav")
	v.SetDefault("speech.language", "")

	v.SetDefault("ai.provider", "ark")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.access_key", "")
	v.SetDefault("ai.secret_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ai.region", "cn-beijing")
	v.SetDefault("ai.openai_api_key", "")
	v.SetDefault("ai.openai_base_url", "")
	v.SetDefault("ai.history_limit", 10)
	v.SetDefault("ai.system_prompt", "")
	v.SetDefault("ai.position", "")
}

// bindLegacyEnv 兼容旧的环境变量命名（ARK_*、SPEECH_*、PORT 等）。
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.addr":           {"GATEWAY_SERVER_ADDR", "PORT"},
		"ai.api_key":            {"GATEWAY_AI_API_KEY", "ARK_API_KEY"},
		"ai.access_key":         {"GATEWAY_AI_ACCESS_KEY", "ARK_ACCESS_KEY"},
		"ai.secret_key":         {"GATEWAY_AI_SECRET_KEY", "ARK_SECRET_KEY"},
		"ai.model":              {"GATEWAY_AI_MODEL", "Model"},
		"ai.base_url":           {"GATEWAY_AI_BASE_URL", "ARK_BASE_URL"},
		"ai.region":             {"GATEWAY_AI_REGION", "ARK_REGION"},
		"ai.temperature":        {"GATEWAY_AI_TEMPERATURE", "ARK_TEMPERATURE"},
		"ai.top_p":              {"GATEWAY_AI_TOP_P", "ARK_TOP_P"},
		"ai.max_tokens":         {"GATEWAY_AI_MAX_TOKENS", "ARK_MAX_TOKENS"},
		"ai.openai_api_key":     {"GATEWAY_AI_OPENAI_API_KEY", "OPENAI_API_KEY"},
		"speech.app_id":         {"GATEWAY_SPEECH_APP_ID", "SPEECH_APP_ID"},
		"speech.access_token":   {"GATEWAY_SPEECH_ACCESS_TOKEN", "SPEECH_ACCESS_TOKEN"},
		"speech.api_key":        {"GATEWAY_SPEECH_API_KEY", "SPEECH_API_KEY"},
		"speech.base_url":       {"GATEWAY_SPEECH_BASE_URL", "SPEECH_BASE_URL"},
		"speech.openai_api_key": {"GATEWAY_SPEECH_OPENAI_API_KEY", "OPENAI_API_KEY"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// normalizeAddr 允许传入 "8080"、":8080" 或 "127.0.0.1:8080"。
func normalizeAddr(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return ":8080", nil
	}
	if strings.Contains(addr, " ") {
		return "", fmt.Errorf("invalid server address: %q", raw)
	}
	if strings.Contains(addr, ":") {
		return addr, nil
	}
	return ":" + addr, nil
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "http", "redis":
	default:
		return fmt.Errorf("ledger.backend must be http or redis, got %q", c.Ledger.Backend)
	}
	switch c.Stats.Backend {
	case "http", "sqlite", "none":
	default:
		return fmt.Errorf("stats.backend must be http, sqlite or none, got %q", c.Stats.Backend)
	}
	switch c.Speech.Engine {
	case "volcengine", "whisper":
	default:
		return fmt.Errorf("speech.engine must be volcengine or whisper, got %q", c.Speech.Engine)
	}
	if c.Ledger.UnitCost <= 0 {
		return fmt.Errorf("ledger.unit_cost must be positive")
	}
	if c.Session.IdleThreshold <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.idle_threshold and session.sweep_interval must be positive")
	}
	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"auth": t.Auth, "ledger": t.Ledger, "refund": t.Refund, "transcribe": t.Transcribe,
		"analyze": t.Analyze, "record": t.Record, "notify": t.Notify,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	return nil
}

// ToModel 转换为语音服务使用的配置结构。
func (c SpeechConfig) ToModel() *speechmodel.SpeechConfig {
	token := c.AccessToken
	if token == "" {
		token = c.APIKey
	}
	return &speechmodel.SpeechConfig{
		Engine:         c.Engine,
		AppID:          c.AppID,
		AccessToken:    token,
		APIKey:         c.APIKey,
		BaseURL:        c.BaseURL,
		ConcurrentMode: c.ConcurrentMode,
		OpenAIKey:      c.OpenAIKey,
		OpenAIBaseURL:  c.OpenAIBaseURL,
		EngineProfile:  c.EngineProfile,
		Format:         c.Format,
		Language:       c.Language,
	}
}

// Enabled 表示当前 provider 的凭证是否齐全。
func (c AIConfig) Enabled() bool {
	switch strings.ToLower(c.Provider) {
	case "none", "off":
		return false
	case "openai":
		return c.OpenAIKey != ""
	default:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	}
}

// NewChatModel 使用 Ark 配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Model == "" || (c.APIKey == "" && (c.AccessKey == "" || c.SecretKey == "")) {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}
