package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/metrics"
	"github.com/zhouzirui/interview-live/backend/internal/model/fault"
	"github.com/zhouzirui/interview-live/backend/internal/model/message"
	sessionModel "github.com/zhouzirui/interview-live/backend/internal/model/session"
	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
	"github.com/zhouzirui/interview-live/backend/internal/service/pipeline"
	sessionService "github.com/zhouzirui/interview-live/backend/internal/service/session"
	"github.com/zhouzirui/interview-live/backend/internal/service/speech"
)

const disconnectReason = "client disconnected"

// Options 连接级参数。
type Options struct {
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	UnitCost     int64
	Logger       zerolog.Logger
}

// Handler 面试会话 WebSocket 入口，负责按类型分发消息。
type Handler struct {
	registry *sessionService.Registry
	machine  *sessionService.Machine
	pipeline *pipeline.Pipeline

	readLimit    int64
	pingInterval time.Duration
	pongWait     time.Duration
	unitCost     int64
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
}

func New(registry *sessionService.Registry, machine *sessionService.Machine, pipe *pipeline.Pipeline, opts Options) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 8 << 20
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.UnitCost <= 0 {
		opts.UnitCost = 1
	}
	return &Handler{
		registry:     registry,
		machine:      machine,
		pipeline:     pipe,
		readLimit:    opts.ReadLimit,
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
		unitCost:     opts.UnitCost,
		logger:       opts.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由。
func (h *Handler) RegisterRoutes(r chi.Router, path string) {
	r.Get(path, h.ServeWS)
}

// ServeWS upgrades the request and runs the connection until the client goes
// away. Frames are handled one at a time in arrival order.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.readLimit)

	sess := h.registry.Create(conn)
	log := h.logger.With().Str("session_id", sess.ID).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.registry.End(context.Background(), sess, disconnectReason)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	go h.pingLoop(ctx, sess)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Msg("read error")
			} else {
				log.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		if frameType != websocket.TextMessage {
			h.fail(sess, log, fault.Protocol("only text frames are supported"))
			continue
		}
		h.dispatch(ctx, sess, log, data)
	}
}

func (h *Handler) pingLoop(ctx context.Context, sess *sessionModel.Session) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *sessionModel.Session, log zerolog.Logger, data []byte) {
	msg, err := message.Decode(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		h.fail(sess, log, err)
		return
	}

	h.machine.Touch(sess)

	if !msg.Known() {
		metrics.MessagesTotal.WithLabelValues("unknown").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()
	}

	if err := msg.Validate(); err != nil {
		h.fail(sess, log, err)
		return
	}

	// 除 auth 外的所有消息统一在这里鉴权
	if msg.Type != message.TypeAuth {
		if err := h.machine.Authorize(sess, msg.Type); err != nil {
			h.fail(sess, log, err)
			return
		}
	}

	switch msg.Type {
	case message.TypeAuth:
		resp, err := h.machine.HandleAuth(ctx, sess, msg.Token)
		if err != nil {
			h.fail(sess, log, err)
			return
		}
		h.send(sess, log, resp)

	case message.TypeAudio:
		h.handleAudio(ctx, sess, log, msg)

	case message.TypeScreenshot:
		out, err := h.pipeline.RunScreenshot(ctx, sess, msg.ImageData)
		if err != nil {
			h.fail(sess, log, err)
			return
		}
		h.send(sess, log, out)
	}
}

func (h *Handler) handleAudio(ctx context.Context, sess *sessionModel.Session, log zerolog.Logger, msg *message.Inbound) {
	raw, err := speech.DecodeAudio(msg.Audio)
	if err != nil {
		h.fail(sess, log, fault.New(fault.ProtocolError, "audio must be base64 encoded", err))
		return
	}

	userID, _ := sess.UserID()
	unit := usage.Unit{
		UserID:    userID,
		SessionID: sess.ID,
		Kind:      usage.KindAudio,
		Amount:    h.unitCost,
	}

	out, err := h.pipeline.Run(ctx, sess, unit, pipeline.Audio{Data: raw, Format: msg.Format})
	if err != nil {
		h.fail(sess, log, err)
		return
	}
	h.send(sess, log, out)
}

// fail converts err into exactly one error frame. Internal details stay in
// the log.
func (h *Handler) fail(sess *sessionModel.Session, log zerolog.Logger, err error) {
	f := fault.From(err)
	metrics.ErrorFrames.WithLabelValues(string(f.Kind)).Inc()

	if f.Kind == fault.InternalError {
		log.Error().Err(err).Msg("internal error")
	} else {
		log.Debug().Err(err).Int("code", f.Code).Msg("request rejected")
	}
	h.send(sess, log, message.NewError(f))
}

func (h *Handler) send(sess *sessionModel.Session, log zerolog.Logger, frame any) {
	if err := sess.Send(frame); err != nil {
		log.Debug().Err(err).Msg("failed to write frame")
	}
}
