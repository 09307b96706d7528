package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/interview-live/backend/internal/metrics"
	"github.com/zhouzirui/interview-live/backend/internal/model/chat"
	"github.com/zhouzirui/interview-live/backend/internal/model/fault"
	"github.com/zhouzirui/interview-live/backend/internal/model/message"
	sessionModel "github.com/zhouzirui/interview-live/backend/internal/model/session"
	speechModel "github.com/zhouzirui/interview-live/backend/internal/model/speech"
	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
	"github.com/zhouzirui/interview-live/backend/internal/service/ai"
	"github.com/zhouzirui/interview-live/backend/internal/service/ledger"
)

// Transcriber 语音转写，speech.Service 满足该接口。
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, audio []byte, format string) (*speechModel.ASRResponse, error)
}

// InsightEngine 大模型分析，ai.Service 满足该接口。
type InsightEngine interface {
	Analyze(ctx context.Context, sessionID string, history []chat.Message, text string) (*ai.Insight, error)
	AnalyzeScreenshot(ctx context.Context, sessionID, imageData string) (*ai.Insight, error)
}

// UsageRecorder 计费事件落库。
type UsageRecorder interface {
	Record(ctx context.Context, unit usage.Unit) error
}

// Timeouts bounds every external step.
type Timeouts struct {
	Ledger     time.Duration
	Refund     time.Duration
	Transcribe time.Duration
	Analyze    time.Duration
	Record     time.Duration
}

type Options struct {
	Timeouts     Timeouts
	HistoryLimit int
	Logger       zerolog.Logger
}

// Audio 已解码的一段音频。
type Audio struct {
	Data   []byte
	Format string
}

// Pipeline runs debit → transcribe → analyze → record for one unit of work,
// refunding the debit when transcription fails.
type Pipeline struct {
	ledger      ledger.Ledger
	transcriber Transcriber
	insights    InsightEngine
	recorder    UsageRecorder

	timeouts     Timeouts
	historyLimit int
	logger       zerolog.Logger

	// 使用记录按提交顺序由单个 worker 依次写入
	pending  sync.WaitGroup
	queueMu  sync.Mutex
	queue    []recordJob
	flushing bool
}

type recordJob struct {
	unit usage.Unit
	log  zerolog.Logger
}

// New builds a pipeline. insights and recorder may be nil: analysis is then
// skipped and usage is not recorded.
func New(l ledger.Ledger, transcriber Transcriber, insights InsightEngine, recorder UsageRecorder, opts Options) *Pipeline {
	t := opts.Timeouts
	t.Ledger = orDefault(t.Ledger, 5*time.Second)
	t.Refund = orDefault(t.Refund, 5*time.Second)
	t.Transcribe = orDefault(t.Transcribe, 30*time.Second)
	t.Analyze = orDefault(t.Analyze, 30*time.Second)
	t.Record = orDefault(t.Record, 5*time.Second)

	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = 10
	}

	return &Pipeline{
		ledger:       l,
		transcriber:  transcriber,
		insights:     insights,
		recorder:     recorder,
		timeouts:     t,
		historyLimit: limit,
		logger:       opts.Logger.With().Str("component", "pipeline").Logger(),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// AnalysisEnabled reports whether an insight engine is configured.
func (p *Pipeline) AnalysisEnabled() bool { return p.insights != nil }

// Run processes one billable audio message.
func (p *Pipeline) Run(ctx context.Context, sess *sessionModel.Session, unit usage.Unit, audio Audio) (*message.Transcription, error) {
	userID, ok := sess.UserID()
	if !ok {
		return nil, fault.New(fault.AuthorizationError, "authentication required", sessionModel.ErrUnauthorized)
	}
	if unit.UserID != userID || unit.SessionID != sess.ID {
		return nil, fault.Internal(usage.ErrInvalidUnit)
	}
	if err := unit.Validate(); err != nil {
		return nil, fault.Internal(err)
	}

	if !sess.BeginWork() {
		return nil, sessionClosing()
	}
	defer sess.EndWork()

	log := p.logger.With().
		Str("session_id", sess.ID).
		Str("user_id", userID).
		Str("kind", string(unit.Kind)).
		Logger()

	if err := p.debit(ctx, unit); err != nil {
		metrics.PipelineRuns.WithLabelValues("audio", outcomeOf(err)).Inc()
		log.Info().Err(err).Msg("debit rejected")
		return nil, err
	}

	resp, err := p.transcribe(ctx, sess.ID, audio)
	if err != nil {
		p.refund(ctx, unit, log)
		metrics.PipelineRuns.WithLabelValues("audio", "transcribe_failed").Inc()
		log.Warn().Err(err).Msg("transcription failed")
		return nil, fault.Upstream("transcription failed", err)
	}

	text := strings.TrimSpace(resp.Text)
	history := sess.History(p.historyLimit)
	sess.AppendTurn(chat.Message{Sender: chat.SenderCandidate, Content: text})

	var analysis *message.Analysis
	if p.insights != nil && text != "" {
		analysis = p.analyze(ctx, log, func(ctx context.Context) (*ai.Insight, error) {
			return p.insights.Analyze(ctx, sess.ID, history, text)
		})
		if analysis.Status == message.AnalysisOK && analysis.Feedback != "" {
			sess.AppendTurn(chat.Message{Sender: chat.SenderInterviewer, Content: analysis.Feedback})
		}
	}

	p.record(unit, log)
	metrics.PipelineRuns.WithLabelValues("audio", "ok").Inc()
	return message.NewTranscription(sess.ID, text, resp.RequestID, analysis), nil
}

// RunScreenshot runs the analysis stage only; nothing is billed.
func (p *Pipeline) RunScreenshot(ctx context.Context, sess *sessionModel.Session, imageData string) (*message.ScreenshotAnalysis, error) {
	if !sess.Authenticated() {
		return nil, fault.New(fault.AuthorizationError, "authentication required", sessionModel.ErrUnauthorized)
	}
	if p.insights == nil {
		metrics.PipelineRuns.WithLabelValues("screenshot", "disabled").Inc()
		return nil, fault.New(fault.UpstreamFailure, "screenshot analysis unavailable", nil)
	}

	if !sess.BeginWork() {
		return nil, sessionClosing()
	}
	defer sess.EndWork()

	analyzeCtx, cancel := context.WithTimeout(ctx, p.timeouts.Analyze)
	defer cancel()

	start := time.Now()
	insight, err := p.insights.AnalyzeScreenshot(analyzeCtx, sess.ID, imageData)
	metrics.StepDuration.WithLabelValues("analyze_screenshot").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ai.ErrEmptyInput) {
			return nil, fault.Protocol("imageData is not a valid image")
		}
		metrics.PipelineRuns.WithLabelValues("screenshot", "analyze_failed").Inc()
		p.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("screenshot analysis failed")
		return nil, fault.Upstream("screenshot analysis failed", err)
	}

	metrics.PipelineRuns.WithLabelValues("screenshot", "ok").Inc()
	return message.NewScreenshotAnalysis(sess.ID, toAnalysis(insight)), nil
}

func (p *Pipeline) debit(ctx context.Context, unit usage.Unit) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Ledger)
	defer cancel()

	start := time.Now()
	err := p.ledger.Consume(ctx, unit)
	metrics.StepDuration.WithLabelValues("consume").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return fault.NoCredit(err)
	default:
		return fault.Ledger(err)
	}
}

func (p *Pipeline) transcribe(ctx context.Context, sessionID string, audio Audio) (*speechModel.ASRResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Transcribe)
	defer cancel()

	start := time.Now()
	resp, err := p.transcriber.Transcribe(ctx, sessionID, audio.Data, audio.Format)
	metrics.StepDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty transcription response")
	}
	return resp, nil
}

// refund is the single compensation for a failed transcription. It runs on a
// context detached from the caller and is never retried.
func (p *Pipeline) refund(ctx context.Context, unit usage.Unit, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeouts.Refund)
	defer cancel()

	if err := p.ledger.Refund(ctx, unit); err != nil {
		metrics.Refunds.WithLabelValues("failed").Inc()
		log.Error().Err(err).Int64("amount", unit.Amount).Msg("refund failed")
		return
	}
	metrics.Refunds.WithLabelValues("ok").Inc()
	log.Info().Int64("amount", unit.Amount).Msg("debit refunded")
}

// analyze never fails the run; errors come back as a failed analysis.
func (p *Pipeline) analyze(ctx context.Context, log zerolog.Logger, call func(context.Context) (*ai.Insight, error)) *message.Analysis {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.Analyze)
	defer cancel()

	start := time.Now()
	insight, err := call(ctx)
	metrics.StepDuration.WithLabelValues("analyze").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warn().Err(err).Msg("analysis failed")
		return &message.Analysis{Status: message.AnalysisFailed}
	}
	return toAnalysis(insight)
}

// record queues unit for the recorder and returns immediately. Units reach
// the recorder in the order they were queued.
func (p *Pipeline) record(unit usage.Unit, log zerolog.Logger) {
	if p.recorder == nil {
		return
	}

	p.pending.Add(1)
	p.queueMu.Lock()
	p.queue = append(p.queue, recordJob{unit: unit, log: log})
	if !p.flushing {
		p.flushing = true
		go p.flush()
	}
	p.queueMu.Unlock()
}

// flush writes queued units one at a time and exits once the queue is empty.
func (p *Pipeline) flush() {
	for {
		p.queueMu.Lock()
		if len(p.queue) == 0 {
			p.flushing = false
			p.queueMu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = recordJob{}
		p.queue = p.queue[1:]
		p.queueMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeouts.Record)
		if err := p.recorder.Record(ctx, job.unit); err != nil {
			job.log.Warn().Err(err).Msg("failed to record usage")
		}
		cancel()
		p.pending.Done()
	}
}

// Drain waits for in-flight usage records, or until ctx is done.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toAnalysis(insight *ai.Insight) *message.Analysis {
	if insight == nil {
		return &message.Analysis{Status: message.AnalysisFailed}
	}
	out := &message.Analysis{Status: message.AnalysisOK, Feedback: insight.Feedback}
	if insight.Usage != nil {
		out.Usage = &message.TokenUsage{
			PromptTokens:     insight.Usage.PromptTokens,
			CompletionTokens: insight.Usage.CompletionTokens,
			TotalTokens:      insight.Usage.TotalTokens,
		}
	}
	return out
}

func sessionClosing() error {
	return fault.New(fault.AuthorizationError, "session is closing", sessionModel.ErrClosed)
}

func outcomeOf(err error) string {
	switch {
	case fault.Is(err, fault.InsufficientCredit):
		return "insufficient_credit"
	case fault.Is(err, fault.LedgerUnavailable):
		return "ledger_unavailable"
	default:
		return "error"
	}
}
