package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/model/speech"
)

const (
	defaultVolcengineURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	// 16kHz, 16bit, mono, 200ms
	audioChunkSize = 6400
	// 服务端 FullClientRequest 占用序号 1，音频从 2 开始
	firstAudioSequence = 2
)

var (
	ErrEmptyAudio         = errors.New("no audio data to send")
	ErrMissingCredentials = errors.New("volcengine speech config is missing AppID or AccessToken")
)

// VolcengineClient 火山引擎大模型流式识别客户端，每次识别建立一条独立连接。
type VolcengineClient struct {
	cfg           *speech.SpeechConfig
	dialer        *websocket.Dialer
	logger        zerolog.Logger
	chunkInterval time.Duration
	retryInterval time.Duration
	dialRetries   uint64
}

type VolcengineOption func(*VolcengineClient)

// WithChunkInterval 控制音频分包的发送节奏，0 表示不等待。
func WithChunkInterval(d time.Duration) VolcengineOption {
	return func(c *VolcengineClient) { c.chunkInterval = d }
}

func WithDialRetry(interval time.Duration, retries uint64) VolcengineOption {
	return func(c *VolcengineClient) {
		c.retryInterval = interval
		c.dialRetries = retries
	}
}

func WithLogger(logger zerolog.Logger) VolcengineOption {
	return func(c *VolcengineClient) { c.logger = logger }
}

func NewVolcengineClient(cfg *speech.SpeechConfig, opts ...VolcengineOption) *VolcengineClient {
	c := &VolcengineClient{
		cfg:           cfg,
		dialer:        &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger:        zerolog.Nop(),
		chunkInterval: 200 * time.Millisecond,
		retryInterval: 300 * time.Millisecond,
		dialRetries:   2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type volcRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type volcResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

// Recognize 发送整段音频并等待最终结果。
func (c *VolcengineClient) Recognize(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	audio, err := io.ReadAll(req.AudioData)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	conn, err := c.dial(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal asr request: %w", err)
	}
	first, err := NewConfigFrame(payload)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, first.Encode()); err != nil {
		return nil, fmt.Errorf("send asr request: %w", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		err := c.streamAudio(ctx, conn, audio)
		if err != nil {
			_ = conn.Close()
		}
		sendErr <- err
	}()

	resp, err := c.readResult(conn, req.SessionID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		select {
		case sErr := <-sendErr:
			if sErr != nil {
				return nil, fmt.Errorf("send audio: %w", sErr)
			}
		default:
		}
		return nil, err
	}
	return resp, nil
}

func (c *VolcengineClient) dial(ctx context.Context, connectID string) (*websocket.Conn, error) {
	appID, token, err := c.credentials()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if c.cfg.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent"
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	url := strings.TrimSpace(c.cfg.BaseURL)
	if url == "" {
		url = defaultVolcengineURL
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.dialRetries), ctx)

	var conn *websocket.Conn
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		ws, resp, dialErr := c.dialer.DialContext(ctx, url, header)
		if dialErr != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("asr handshake rejected with %d: %w", resp.StatusCode, dialErr))
			}
			c.logger.Warn().Err(dialErr).Int("attempt", attempt).Msg("asr dial failed")
			return dialErr
		}
		if logID := resp.Header.Get("X-Tt-Logid"); logID != "" {
			c.logger.Debug().Str("logid", logID).Msg("asr connected")
		}
		conn = ws
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connect asr websocket: %w", err)
	}
	return conn, nil
}

func (c *VolcengineClient) credentials() (string, string, error) {
	if c.cfg == nil {
		return "", "", ErrMissingCredentials
	}
	appID := strings.TrimSpace(c.cfg.AppID)
	token := strings.TrimSpace(c.cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(c.cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", ErrMissingCredentials
	}
	return appID, token, nil
}

func (c *VolcengineClient) buildRequest(req *speech.ASRRequest) *volcRequest {
	rate, lang := profileParams(req.EngineProfile)
	if req.Language != "" {
		lang = req.Language
	}

	r := &volcRequest{}
	r.User.UID = req.SessionID
	r.Audio.Format = req.Format
	if r.Audio.Format == "" {
		r.Audio.Format = "wav"
	}
	r.Audio.Language = lang
	r.Audio.Codec = "raw"
	r.Audio.Rate = rate
	r.Audio.Bits = 16
	r.Audio.Channel = 1

	r.Request.ModelName = "bigmodel"
	r.Request.EnableITN = true
	r.Request.EnablePunc = true
	r.Request.ShowUtterances = true
	r.Request.ResultType = "full"
	r.Request.EndWindowSize = 800
	return r
}

// profileParams 解析形如 16k_zh 的识别引擎档位。
func profileParams(profile string) (int, string) {
	rate, lang := 16000, "zh-CN"
	rateRaw, langRaw, _ := strings.Cut(strings.ToLower(strings.TrimSpace(profile)), "_")
	if n, err := strconv.Atoi(strings.TrimSuffix(rateRaw, "k")); err == nil && n > 0 {
		rate = n * 1000
	}
	switch langRaw {
	case "en":
		lang = "en-US"
	case "ca":
		lang = "zh-HK"
	}
	return rate, lang
}

func (c *VolcengineClient) streamAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	seq := int32(firstAudioSequence)
	for i := 0; i < len(audio); i += audioChunkSize {
		end := min(i+audioChunkSize, len(audio))
		last := end >= len(audio)

		frame, err := NewAudioFrame(audio[i:end], seq, last)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
			return fmt.Errorf("send audio chunk %d: %w", seq, err)
		}
		seq++
		if last || c.chunkInterval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.chunkInterval):
		}
	}
	return nil
}

func (c *VolcengineClient) readResult(conn *websocket.Conn, sessionID string) (*speech.ASRResponse, error) {
	var (
		text     string
		duration int64
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read asr response: %w", err)
		}
		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode asr frame: %w", err)
		}

		switch frame.Header.MessageType {
		case ErrorMessage:
			body, _ := frame.Body()
			return nil, fmt.Errorf("asr error %d: %s", frame.ErrorCode, string(body))
		case FullServerResponse:
			body, err := frame.Body()
			if err != nil {
				return nil, fmt.Errorf("decompress asr payload: %w", err)
			}
			var resp volcResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("skip malformed asr payload")
				continue
			}
			if resp.Code != 0 && resp.Code != 20000000 {
				return nil, fmt.Errorf("asr api error %d: %s", resp.Code, resp.Message)
			}
			if candidate := resultText(resp); candidate != "" {
				text = candidate
			}
			if resp.AudioInfo.Duration > 0 {
				duration = resp.AudioInfo.Duration
			}
			if frame.Last() {
				return &speech.ASRResponse{
					SessionID:  sessionID,
					Text:       text,
					Confidence: confidence(text),
					Duration:   duration,
					RequestID:  sessionID,
					CreatedAt:  time.Now(),
				}, nil
			}
		default:
			// ack
		}
	}
}

func resultText(resp volcResponse) string {
	if resp.Result.Text != "" {
		return resp.Result.Text
	}
	parts := make([]string, 0, len(resp.Result.Utterances))
	for _, u := range resp.Result.Utterances {
		parts = append(parts, u.Text)
	}
	return strings.Join(parts, " ")
}

func confidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return 0.95
}
