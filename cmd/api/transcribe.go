package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/interview-live/backend/internal/service/speech"
)

var (
	transcribeFormat  string
	transcribeTimeout time.Duration
)

// transcribeCmd 手动验证语音识别配置，不经过计费。
var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Run one audio file through the configured speech engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscribe,
}

func init() {
	transcribeCmd.Flags().StringVar(&transcribeFormat, "format", "", "Audio format, defaults to the file extension")
	transcribeCmd.Flags().DurationVar(&transcribeTimeout, "timeout", 45*time.Second, "Request timeout")
	rootCmd.AddCommand(transcribeCmd)
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	audio, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("读取音频失败: %w", err)
	}

	format := transcribeFormat
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(args[0])), ".")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), transcribeTimeout)
	defer cancel()

	svc := speech.NewService(cfg.Speech.ToModel(), speech.WithLogger(logger))
	sessionID := fmt.Sprintf("manual-%d", time.Now().UnixNano())

	start := time.Now()
	resp, err := svc.Transcribe(ctx, sessionID, audio, format)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "engine:   %s\n", cfg.Speech.Engine)
	fmt.Fprintf(out, "text:     %s\n", resp.Text)
	fmt.Fprintf(out, "duration: %dms\n", resp.Duration)
	fmt.Fprintf(out, "elapsed:  %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
