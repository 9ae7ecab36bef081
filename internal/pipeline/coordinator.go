// Package pipeline implements the coordinator that executes one voice or
// text interaction by composing ASR, context retrieval, LLM, side-effect
// dispatch, context append, and TTS stages under per-stage and total
// deadlines.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RentaProfessor/blackbox-core/internal/metrics"
	"github.com/RentaProfessor/blackbox-core/internal/registry"
	"github.com/RentaProfessor/blackbox-core/internal/store"
	"github.com/RentaProfessor/blackbox-core/internal/tracing"
)

// Transport is the narrow subset of *transport.Transport the coordinator
// depends on, so tests can substitute a fake worker.
type Transport interface {
	Call(ctx context.Context, service, method string, data map[string]any) (map[string]any, error)
}

// Store is the narrow subset of *store.Store the coordinator depends on.
type Store interface {
	GetContext(userID string, limit int) ([]store.Turn, error)
	AppendTurn(userID string, role store.Role, content, sessionID string) error
}

// Thermal is the narrow subset of *thermal.Monitor the coordinator depends on.
type Thermal interface {
	ShouldThrottle() bool
}

// Deadlines holds the per-stage and total budgets.
type Deadlines struct {
	Total time.Duration
	ASR   time.Duration
	LLM   time.Duration
	TTS   time.Duration
}

// Config bundles the coordinator's collaborators and tunables.
type Config struct {
	Transport    Transport
	Store        Store
	Thermal      Thermal
	Registry     *registry.Registry
	Deadlines    Deadlines
	ContextLimit int
}

// Coordinator executes the pipeline. Safe for concurrent use by multiple
// goroutines, one per in-flight request.
type Coordinator struct {
	transport    Transport
	store        Store
	thermal      Thermal
	registry     *registry.Registry
	deadlines    Deadlines
	contextLimit int

	stats *stats
}

// New constructs a Coordinator from cfg. Zero-value ContextLimit defaults to 10.
func New(cfg Config) *Coordinator {
	limit := cfg.ContextLimit
	if limit <= 0 {
		limit = 10
	}
	return &Coordinator{
		transport:    cfg.Transport,
		store:        cfg.Store,
		thermal:      cfg.Thermal,
		registry:     cfg.Registry,
		deadlines:    cfg.Deadlines,
		contextLimit: limit,
		stats:        newStats(),
	}
}

// ProcessVoice runs the full seven-step pipeline starting from raw audio bytes.
func (c *Coordinator) ProcessVoice(ctx context.Context, audioBytes []byte, userID, sessionID string) PipelineResult {
	return c.process(ctx, userID, sessionID, audioBytes, "")
}

// ProcessText skips the ASR stage; the returned transcription equals prompt verbatim.
func (c *Coordinator) ProcessText(ctx context.Context, prompt, userID, sessionID string) PipelineResult {
	return c.process(ctx, userID, sessionID, nil, prompt)
}

// TranscribeOnly runs the ASR stage alone, with no context side effects.
func (c *Coordinator) TranscribeOnly(ctx context.Context, audioBytes []byte) (TranscriptionResult, Timing, error) {
	cctx, cancel := context.WithTimeout(ctx, c.deadlines.ASR)
	defer cancel()

	start := time.Now()
	result, err := c.callASR(cctx, audioBytes)
	elapsed := time.Since(start)

	timing := Timing{"asr": elapsed.Seconds(), "total": elapsed.Seconds()}
	if err != nil {
		return TranscriptionResult{}, timing, err
	}
	return result, timing, nil
}

func (c *Coordinator) process(ctx context.Context, userID, sessionID string, audioBytes []byte, textPrompt string) PipelineResult {
	if userID == "" {
		userID = "default_user"
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	metrics.RequestsTotal.Inc()
	start := time.Now()

	ctx, rootSpan := tracing.StartRequest(ctx, sessionID)
	defer rootSpan.End()

	// The total deadline is advisory: overrunning it is logged, while each
	// stage is bounded only by its own budget.
	defer func() {
		if elapsed := time.Since(start); c.deadlines.Total > 0 && elapsed > c.deadlines.Total {
			slog.Warn("pipeline: total deadline exceeded", "session_id", sessionID, "elapsed", elapsed, "deadline", c.deadlines.Total)
		}
	}()

	timing := Timing{}
	throttled := c.thermal != nil && c.thermal.ShouldThrottle()
	timing["throttled"] = boolToFloat(throttled)

	result := PipelineResult{SessionID: sessionID, Timing: timing, Throttled: throttled}

	// Stage 1: ASR (skipped in text-only path).
	transcription := textPrompt
	if audioBytes != nil {
		asrResult, err := c.timedStage(ctx, "asr", c.deadlines.ASR, timing, func(sctx context.Context) (any, error) {
			return c.callASR(sctx, audioBytes)
		})
		if err != nil {
			return c.fail(result, "asr", err, start)
		}
		transcription = asrResult.(TranscriptionResult).Text
	}
	result.Transcription = transcription

	// Stage 2: context fetch.
	var history []store.Turn
	c.timedVoidStage(ctx, "context_retrieval", timing, func(sctx context.Context) error {
		var err error
		history, err = c.store.GetContext(userID, c.contextLimit)
		if err != nil {
			slog.Warn("pipeline: context fetch failed, proceeding with empty context", "user_id", userID, "error", err)
			history = nil
		}
		return err
	})

	// Stage 3: LLM.
	prompt := buildPrompt(history, transcription)
	llmAny, err := c.timedStage(ctx, "llm", c.deadlines.LLM, timing, func(sctx context.Context) (any, error) {
		return c.callLLM(sctx, prompt, history, userID)
	})
	if err != nil {
		return c.fail(result, "llm", err, start)
	}
	llmResult := llmAny.(LLMResult)
	result.ResponseText = llmResult.Text
	result.FunctionCalls = llmResult.FunctionCalls
	timing["llm_tokens_per_second"] = llmResult.TokensPerSecond()

	// Stage 4: side effects. Failures are logged, never fatal.
	c.timedVoidStage(ctx, "function_execution", timing, func(sctx context.Context) error {
		c.dispatchFunctionCalls(sctx, userID, llmResult.FunctionCalls)
		return nil
	})

	// Stage 5: context append. Failure is a warning; TTS still attempted.
	c.timedVoidStage(ctx, "context_update", timing, func(sctx context.Context) error {
		if err := c.store.AppendTurn(userID, store.RoleUser, transcription, sessionID); err != nil {
			slog.Warn("pipeline: append user turn failed", "user_id", userID, "error", err)
			metrics.StoreErrors.WithLabelValues("append_turn").Inc()
			return err
		}
		if err := c.store.AppendTurn(userID, store.RoleAssistant, llmResult.Text, sessionID); err != nil {
			slog.Warn("pipeline: append assistant turn failed", "user_id", userID, "error", err)
			metrics.StoreErrors.WithLabelValues("append_turn").Inc()
			return err
		}
		return nil
	})

	// Stage 6: TTS.
	ttsAny, err := c.timedStage(ctx, "tts", c.deadlines.TTS, timing, func(sctx context.Context) (any, error) {
		return c.callTTS(sctx, llmResult.Text)
	})
	if err != nil {
		result.Err = fmt.Errorf("tts: %w", err)
		c.finish(result, start, timing, false, "tts")
		return result
	}
	result.AudioData = ttsAny.([]byte)

	c.finish(result, start, timing, true, "")
	return result
}

func (c *Coordinator) fail(result PipelineResult, stage string, err error, start time.Time) PipelineResult {
	result.Err = fmt.Errorf("%s: %w", stage, err)
	c.finish(result, start, result.Timing, false, stage)
	return result
}

func (c *Coordinator) finish(result PipelineResult, start time.Time, timing Timing, success bool, failedStage string) {
	total := time.Since(start)
	timing["total"] = total.Seconds()
	timing["orchestration_overhead"] = orchestrationOverhead(timing, total)
	metrics.E2EDuration.Observe(total.Seconds())
	c.stats.record(total, timing)
	c.stats.recordOutcome(success)

	if success {
		metrics.RequestsSucceeded.Inc()
	} else {
		metrics.RequestsFailed.WithLabelValues(failedStage).Inc()
	}
}

// timedStage wraps fn in a per-stage deadline, a tracing span, and a timing
// entry, mirroring the coordinator's stage-duration metric.
func (c *Coordinator) timedStage(ctx context.Context, stage string, budget time.Duration, timing Timing, fn func(context.Context) (any, error)) (any, error) {
	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	sctx, span := tracing.StartStage(sctx, stage)
	start := time.Now()
	result, err := fn(sctx)
	elapsed := time.Since(start)

	timing[stage] = elapsed.Seconds()
	metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	tracing.EndWithError(span, err)

	return result, err
}

// timedVoidStage records a timing entry and tracing span for a stage that
// has no per-stage deadline and no result to thread back to the caller
// (context retrieval, function dispatch, context append). Unlike
// timedStage it never cancels the context early and never fails the
// pipeline: fn's error is only used for span status.
func (c *Coordinator) timedVoidStage(ctx context.Context, stage string, timing Timing, fn func(context.Context) error) {
	sctx, span := tracing.StartStage(ctx, stage)
	start := time.Now()
	err := fn(sctx)
	elapsed := time.Since(start)

	timing[stage] = elapsed.Seconds()
	metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	tracing.EndWithError(span, err)
}

func (c *Coordinator) callASR(ctx context.Context, audioBytes []byte) (TranscriptionResult, error) {
	resp, err := c.transport.Call(ctx, "asr", "transcribe", map[string]any{
		"audio_data": base64.StdEncoding.EncodeToString(audioBytes),
	})
	if err != nil {
		return TranscriptionResult{}, err
	}
	return TranscriptionResult{
		Text:       stringField(resp, "text"),
		Confidence: floatField(resp, "confidence"),
		Language:   stringField(resp, "language"),
		Elapsed:    durationField(resp, "elapsed_seconds"),
	}, nil
}

func (c *Coordinator) callLLM(ctx context.Context, prompt string, history []store.Turn, userID string) (LLMResult, error) {
	contextPayload := make([]map[string]any, 0, len(history))
	for _, t := range history {
		contextPayload = append(contextPayload, map[string]any{"role": string(t.Role), "content": t.Content})
	}

	resp, err := c.transport.Call(ctx, "llm", "generate", map[string]any{
		"prompt":     prompt,
		"context":    contextPayload,
		"max_tokens": 512,
		"user_id":    userID,
	})
	if err != nil {
		return LLMResult{}, err
	}

	var calls []FunctionCall
	if raw, ok := resp["function_calls"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			args, _ := m["arguments"].(map[string]any)
			calls = append(calls, FunctionCall{Name: stringField(m, "name"), Arguments: args})
		}
	}

	return LLMResult{
		Text:            stringField(resp, "text"),
		TokensGenerated: intField(resp, "tokens"),
		Elapsed:         durationField(resp, "elapsed_seconds"),
		FunctionCalls:   calls,
	}, nil
}

func (c *Coordinator) callTTS(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.transport.Call(ctx, "tts", "synthesize", map[string]any{"text": text})
	if err != nil {
		return nil, err
	}
	encoded := stringField(resp, "audio_data")
	if encoded == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("tts: decode audio: %w", err)
	}
	return decoded, nil
}

func (c *Coordinator) dispatchFunctionCalls(ctx context.Context, userID string, calls []FunctionCall) {
	for _, call := range calls {
		if c.registry == nil {
			continue
		}
		_, err := c.registry.Dispatch(ctx, call.Name, userID, call.Arguments)
		if err != nil {
			slog.Warn("pipeline: function call failed", "name", call.Name, "user_id", userID, "error", err)
			metrics.FunctionCallsTotal.WithLabelValues(call.Name, "error").Inc()
			continue
		}
		metrics.FunctionCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	}
}

// buildPrompt concatenates the last five context turns tagged by role, a
// newline, the current prompt, and a trailing "assistant: " marker.
func buildPrompt(history []store.Turn, currentPrompt string) string {
	const maxTurns = 5
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	var b strings.Builder
	for _, t := range history {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString(currentPrompt)
	b.WriteString("\nassistant: ")
	return b.String()
}

// orchestrationOverhead is the portion of total latency not accounted for by
// any named stage: the coordinator's own bookkeeping between stages.
func orchestrationOverhead(timing Timing, total time.Duration) float64 {
	spent := timing["asr"] + timing["context_retrieval"] + timing["llm"] +
		timing["function_execution"] + timing["context_update"] + timing["tts"]
	overhead := total.Seconds() - spent
	if overhead < 0 {
		return 0
	}
	return overhead
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func durationField(m map[string]any, key string) time.Duration {
	return time.Duration(floatField(m, key) * float64(time.Second))
}
