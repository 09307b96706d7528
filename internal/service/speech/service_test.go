package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/interview-live/backend/internal/model/speech"
)

type recordingEngine struct {
	last  *speech.ASRRequest
	audio []byte
	err   error
}

func (e *recordingEngine) Recognize(_ context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	e.last = req
	e.audio, _ = io.ReadAll(req.AudioData)
	if e.err != nil {
		return nil, e.err
	}
	return &speech.ASRResponse{SessionID: req.SessionID, Text: "hello"}, nil
}

func TestServiceAppliesDefaults(t *testing.T) {
	engine := &recordingEngine{}
	svc := NewServiceWithEngine(engine, &speech.SpeechConfig{})

	resp, err := svc.Transcribe(context.Background(), "sess-1", []byte("pcm"), "")
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "sess-1", resp.RequestID)
	assert.Equal(t, "wav", engine.last.Format)
	assert.Equal(t, "16k_zh", engine.last.EngineProfile)
	assert.Equal(t, []byte("pcm"), engine.audio)
}

func TestServiceWrapsEngineError(t *testing.T) {
	boom := errors.New("engine down")
	svc := NewServiceWithEngine(&recordingEngine{err: boom}, nil)

	_, err := svc.Transcribe(context.Background(), "sess-1", []byte("pcm"), "mp3")
	assert.ErrorIs(t, err, boom)
}

func TestDecodeAudio(t *testing.T) {
	raw := []byte("RIFF....WAVE")
	plain := base64.StdEncoding.EncodeToString(raw)

	got, err := DecodeAudio(plain)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = DecodeAudio("data:audio/wav;base64," + plain)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = DecodeAudio("%%%not-base64")
	assert.ErrorIs(t, err, ErrInvalidAudio)
}

func TestWhisperRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		assert.Equal(t, openai.Whisper1, r.FormValue("model"))
		assert.Equal(t, "zh", r.FormValue("language"))
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "  我有三年后端经验 "})
	}))
	defer server.Close()

	config := openai.DefaultConfig("test-key")
	config.BaseURL = server.URL + "/v1"
	svc := NewServiceWithEngine(NewWhisperClientWithConfig(config), &speech.SpeechConfig{})

	resp, err := svc.Transcribe(context.Background(), "sess-9", []byte("audio"), "webm")
	require.NoError(t, err)
	assert.Equal(t, "我有三年后端经验", resp.Text)
	assert.Equal(t, "sess-9", resp.RequestID)
}
