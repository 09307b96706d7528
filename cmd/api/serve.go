package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/interview-live/backend/internal/config"
	"github.com/zhouzirui/interview-live/backend/internal/handler"
	"github.com/zhouzirui/interview-live/backend/internal/handler/gateway"
	"github.com/zhouzirui/interview-live/backend/internal/service/ai"
	"github.com/zhouzirui/interview-live/backend/internal/service/auth"
	"github.com/zhouzirui/interview-live/backend/internal/service/ledger"
	"github.com/zhouzirui/interview-live/backend/internal/service/pipeline"
	sessionService "github.com/zhouzirui/interview-live/backend/internal/service/session"
	"github.com/zhouzirui/interview-live/backend/internal/service/speech"
	"github.com/zhouzirui/interview-live/backend/internal/service/stats"
)

const shutdownReason = "server shutting down"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("addr", cfg.Server.Addr).
		Str("ledger", cfg.Ledger.Backend).
		Str("stats", cfg.Stats.Backend).
		Str("speech", cfg.Speech.Engine).
		Msg("Starting interview gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	credits, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	recorder, closeStats, err := openStats(cfg.Stats)
	if err != nil {
		return err
	}
	defer closeStats()

	verifier := auth.NewCachingVerifier(
		auth.NewHTTPVerifier(cfg.Auth.BaseURL, nil),
		cfg.Auth.CacheSize,
		cfg.Auth.CacheTTL,
	)

	speechSvc := speech.NewService(cfg.Speech.ToModel(), speech.WithLogger(logger))

	var insights pipeline.InsightEngine
	if cfg.AI.Enabled() {
		svc, err := newInsightService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("continuing without AI feedback")
		} else {
			insights = svc
			logger.Info().Str("provider", cfg.AI.Provider).Str("model", cfg.AI.Model).Msg("AI service initialized")
		}
	} else {
		logger.Info().Msg("AI 凭证未配置，跳过分析功能初始化")
	}

	var notifier sessionService.EndNotifier
	var usageRecorder pipeline.UsageRecorder
	if recorder != nil {
		notifier = recorder
		usageRecorder = recorder
	}

	registry := sessionService.NewRegistry(sessionService.RegistryOptions{
		Notifier:      notifier,
		NotifyTimeout: cfg.Timeouts.Notify,
		Logger:        logger,
	})
	machine := sessionService.NewMachine(verifier, credits, sessionService.MachineOptions{
		AuthTimeout:   cfg.Timeouts.Auth,
		LedgerTimeout: cfg.Timeouts.Ledger,
		Logger:        logger,
	})
	pipe := pipeline.New(credits, speechSvc, insights, usageRecorder, pipeline.Options{
		Timeouts: pipeline.Timeouts{
			Ledger:     cfg.Timeouts.Ledger,
			Refund:     cfg.Timeouts.Refund,
			Transcribe: cfg.Timeouts.Transcribe,
			Analyze:    cfg.Timeouts.Analyze,
			Record:     cfg.Timeouts.Record,
		},
		HistoryLimit: cfg.AI.HistoryLimit,
		Logger:       logger,
	})
	sweeper := sessionService.NewSweeper(registry, sessionService.SweeperOptions{
		Interval:  cfg.Session.SweepInterval,
		Threshold: cfg.Session.IdleThreshold,
		Logger:    logger,
	})

	gw := gateway.New(registry, machine, pipe, gateway.Options{
		ReadLimit:    cfg.Server.ReadLimit,
		PingInterval: cfg.Server.PingInterval,
		PongWait:     cfg.Server.PongWait,
		UnitCost:     cfg.Ledger.UnitCost,
		Logger:       logger,
	})
	router := handler.NewRouter(gw, registry, handler.RouterOptions{
		WSPath:         cfg.Server.WSPath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", cfg.Server.Addr).Str("ws_path", cfg.Server.WSPath).Msg("Gateway listening")
	err = runServer(ctx, srv)

	// 关闭剩余连接并等待异步的使用记录写完
	for _, sess := range registry.Snapshot() {
		registry.End(context.Background(), sess, shutdownReason)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if drainErr := pipe.Drain(drainCtx); drainErr != nil {
		logger.Warn().Err(drainErr).Msg("pending usage records dropped")
	}

	logger.Info().Msg("Gateway stopped")
	return err
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Ledger, func(), error) {
	switch cfg.Backend {
	case "redis":
		l, err := ledger.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open credit ledger: %w", err)
		}
		return l, func() {
			if err := l.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close credit ledger")
			}
		}, nil
	default:
		return ledger.NewHTTPLedger(cfg.BaseURL, nil), func() {}, nil
	}
}

func openStats(cfg config.StatsConfig) (stats.Recorder, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		r, err := stats.NewSQLiteRecorder(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open usage store: %w", err)
		}
		return r, func() {
			if err := r.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close usage store")
			}
		}, nil
	case "none":
		return nil, func() {}, nil
	default:
		return stats.NewHTTPRecorder(cfg.BaseURL, nil), func() {}, nil
	}
}

func newInsightService(ctx context.Context, cfg config.AIConfig, logger zerolog.Logger) (*ai.Service, error) {
	chatModel, err := ai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return ai.NewService(ctx, chatModel, ai.Options{
		Prompt: ai.PromptConfig{
			SystemPrompt: cfg.SystemPrompt,
			Position:     cfg.Position,
		},
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	})
}
