package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sessionModel "github.com/zhouzirui/interview-live/backend/internal/model/session"
	"github.com/zhouzirui/interview-live/backend/internal/model/session/sessiontest"
	speechModel "github.com/zhouzirui/interview-live/backend/internal/model/speech"
	"github.com/zhouzirui/interview-live/backend/internal/service/auth"
	"github.com/zhouzirui/interview-live/backend/internal/service/ledger"
	"github.com/zhouzirui/interview-live/backend/internal/service/pipeline"
	sessionService "github.com/zhouzirui/interview-live/backend/internal/service/session"
	"github.com/zhouzirui/interview-live/backend/internal/service/speech"
)

// echoEngine returns the decoded audio bytes as the transcript.
type echoEngine struct {
	calls atomic.Int32
}

func (e *echoEngine) Recognize(_ context.Context, req *speechModel.ASRRequest) (*speechModel.ASRResponse, error) {
	e.calls.Add(1)
	data, err := io.ReadAll(req.AudioData)
	if err != nil {
		return nil, err
	}
	return &speechModel.ASRResponse{SessionID: req.SessionID, Text: string(data)}, nil
}

type endRecorder struct {
	mu       sync.Mutex
	sessions []string
}

func (r *endRecorder) EndSession(_ context.Context, _, sessionID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return nil
}

func (r *endRecorder) Ended() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sessions...)
}

type harness struct {
	server   *httptest.Server
	registry *sessionService.Registry
	ledger   *ledger.RedisLedger
	engine   *echoEngine
	ended    *endRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	users := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body.Token {
		case "T1":
			_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "userId": "U1"})
		case "T2":
			_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "userId": "U2"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(users.Close)

	mr := miniredis.RunT(t)
	credits := ledger.NewRedisLedger(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = credits.Close() })

	logger := zerolog.Nop()
	engine := &echoEngine{}
	ended := &endRecorder{}

	registry := sessionService.NewRegistry(sessionService.RegistryOptions{Notifier: ended, Logger: logger})
	machine := sessionService.NewMachine(auth.NewHTTPVerifier(users.URL, nil), credits, sessionService.MachineOptions{Logger: logger})
	pipe := pipeline.New(credits, speech.NewServiceWithEngine(engine, nil), nil, nil, pipeline.Options{Logger: logger})

	router := chi.NewRouter()
	New(registry, machine, pipe, Options{Logger: logger}).RegisterRoutes(router, "/ws")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &harness{server: server, registry: registry, ledger: credits, engine: engine, ended: ended}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func audio(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

func TestAuthThenAudio(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Grant(context.Background(), "U1", 5)
	require.NoError(t, err)

	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	ok := read(t, conn)
	assert.Equal(t, "auth_success", ok["type"])
	sessionID, _ := ok["sessionId"].(string)
	assert.NotEmpty(t, sessionID)
	assert.EqualValues(t, 5, ok["remainingCredit"])

	send(t, conn, map[string]any{"type": "audio", "audio": audio("hello")})
	out := read(t, conn)
	assert.Equal(t, "transcription", out["type"])
	assert.Equal(t, "hello", out["text"])
	assert.Equal(t, sessionID, out["sessionId"])
	assert.NotContains(t, out, "analysis")

	balance, err := h.ledger.Check(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance.Remaining)
}

func TestAudioWithoutCredit(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	assert.Equal(t, "auth_success", read(t, conn)["type"])

	send(t, conn, map[string]any{"type": "audio", "audio": audio("hello")})
	out := read(t, conn)
	assert.Equal(t, "error", out["type"])
	assert.EqualValues(t, 402, out["code"])
	assert.Equal(t, int32(0), h.engine.calls.Load())
}

func TestAudioBeforeAuth(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Grant(context.Background(), "U1", 5)
	require.NoError(t, err)

	conn := h.dial(t)
	send(t, conn, map[string]any{"type": "audio", "audio": audio("hello")})
	out := read(t, conn)
	assert.Equal(t, "error", out["type"])
	assert.EqualValues(t, 403, out["code"])

	send(t, conn, map[string]any{"type": "screenshot", "imageData": "AAAA"})
	assert.EqualValues(t, 403, read(t, conn)["code"])

	assert.Equal(t, int32(0), h.engine.calls.Load())
	history, err := h.ledger.History(context.Background(), "U1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDispatchAuthorizesEveryNonAuthMessage(t *testing.T) {
	logger := zerolog.Nop()
	registry := sessionService.NewRegistry(sessionService.RegistryOptions{Logger: logger})
	machine := sessionService.NewMachine(nil, nil, sessionService.MachineOptions{Logger: logger})
	h := New(registry, machine, nil, Options{Logger: logger})

	frames := []string{
		`{"type":"audio","audio":"aGVsbG8="}`,
		`{"type":"screenshot","imageData":"AAAA"}`,
	}
	for _, frame := range frames {
		conn := sessiontest.NewConn()
		sess := sessionModel.New(conn, time.Now())

		h.dispatch(context.Background(), sess, logger, []byte(frame))

		out := conn.Frames()
		require.Len(t, out, 1, frame)
		assert.EqualValues(t, 403, out[0]["code"], frame)
		assert.Equal(t, "authentication required", out[0]["message"], frame)
		assert.False(t, sess.Busy())
	}
}

func TestInvalidTokenKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "auth", "token": "nope"})
	out := read(t, conn)
	assert.Equal(t, "error", out["type"])
	assert.EqualValues(t, 401, out["code"])

	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	assert.Equal(t, "auth_success", read(t, conn)["type"])
}

func TestProtocolErrors(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	out := read(t, conn)
	assert.EqualValues(t, 400, out["code"])
	assert.Equal(t, "invalid message payload", out["message"])

	send(t, conn, map[string]any{"type": "video"})
	out = read(t, conn)
	assert.EqualValues(t, 400, out["code"])
	assert.Contains(t, out["message"], "unrecognized message type")

	send(t, conn, map[string]any{"type": "auth"})
	out = read(t, conn)
	assert.EqualValues(t, 400, out["code"])
	assert.Contains(t, out["message"], "token")

	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	send(t, conn, map[string]any{"type": "audio", "audio": "%%%"})
	assert.Equal(t, "auth_success", read(t, conn)["type"])
	out = read(t, conn)
	assert.EqualValues(t, 400, out["code"])
}

func TestReauthWithDifferentUser(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	assert.Equal(t, "auth_success", read(t, conn)["type"])

	send(t, conn, map[string]any{"type": "auth", "token": "T2"})
	out := read(t, conn)
	assert.EqualValues(t, 403, out["code"])
}

func TestAudioMessagesProcessedInOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Grant(context.Background(), "U1", 10)
	require.NoError(t, err)

	conn := h.dial(t)
	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	send(t, conn, map[string]any{"type": "audio", "audio": audio("first")})
	send(t, conn, map[string]any{"type": "audio", "audio": audio("second")})

	assert.Equal(t, "auth_success", read(t, conn)["type"])
	assert.Equal(t, "first", read(t, conn)["text"])
	assert.Equal(t, "second", read(t, conn)["text"])
}

func TestScreenshotWithoutInsightEngine(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	read(t, conn)
	send(t, conn, map[string]any{"type": "screenshot", "imageData": "data:image/png;base64,AAAA"})
	out := read(t, conn)
	assert.Equal(t, "error", out["type"])
	assert.EqualValues(t, 502, out["code"])
}

func TestDisconnectEndsSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "auth", "token": "T1"})
	sessionID := read(t, conn)["sessionId"].(string)
	assert.Equal(t, 1, h.registry.Len())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{sessionID}, h.ended.Ended())
}
