package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/handler/gateway"
	"github.com/zhouzirui/interview-live/backend/internal/metrics"
	sessionService "github.com/zhouzirui/interview-live/backend/internal/service/session"
	"github.com/zhouzirui/interview-live/backend/pkg/utils"
)

// RouterOptions HTTP 层参数。
type RouterOptions struct {
	WSPath         string
	AllowedOrigins []string
	Logger         zerolog.Logger
}

type healthResponse struct {
	Status      string   `json:"status"`
	Connections int      `json:"connections"`
	Sessions    []string `json:"sessions"`
}

// NewRouter wires the WebSocket gateway, health and metrics endpoints.
func NewRouter(gw *gateway.Handler, registry *sessionService.Registry, opts RouterOptions) http.Handler {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler)

	gw.RegisterRoutes(r, opts.WSPath)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ids := registry.IDs()
		utils.RespondJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Connections: len(ids),
			Sessions:    ids,
		})
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// requestLogger 记录访问日志，WebSocket 连接在断开时才会输出。
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
