// Package orchestrator runs tool-calling conversation turns. One turn takes
// an inbound user message, loops the model against the chat's tool snapshot
// until the model stops asking for tools or the iteration cap is hit, and
// returns the final assistant reply. Every model decision and tool outcome
// is persisted as a conversation message on the way through.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chatwithoats/oats/internal/convlock"
	"github.com/chatwithoats/oats/internal/metrics"
	"github.com/chatwithoats/oats/llm"
	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
)

// TurnState is where a running turn currently stands.
type TurnState string

const (
	StateAwaitingModel  TurnState = "AWAITING_MODEL"
	StateExecutingTools TurnState = "EXECUTING_TOOLS"
	StateFinalized      TurnState = "FINALIZED"
)

// ErrNoChatSettings is returned when a conversation has no settings bound.
var ErrNoChatSettings = errors.New("orchestrator: conversation has no chat settings")

// Config tunes turn execution.
type Config struct {
	MaxIterations      int           // model round-trips per turn, default 5
	MaxConcurrentTools int64         // parallel tool executions per batch, default 4
	ToolTimeout        time.Duration // per-invocation cap, default 30s
	MaxHistoryMessages int           // history window, default 20
	HistoryTokenBudget int           // token budget for the transcript, default 4000
	FallbackMessage    string        // reply when the iteration cap is hit
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxIterations <= 0 {
		out.MaxIterations = 5
	}
	if out.MaxConcurrentTools <= 0 {
		out.MaxConcurrentTools = 4
	}
	if out.ToolTimeout <= 0 {
		out.ToolTimeout = 30 * time.Second
	}
	if out.FallbackMessage == "" {
		out.FallbackMessage = "I could not finish working on that request. Please try again or rephrase it."
	}
	return out
}

// Orchestrator drives conversation turns.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	provider llm.Provider
	registry *tools.Registry
	locker   convlock.Locker
	history  *historyBuilder
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates an orchestrator. The metrics collector may be nil.
func New(cfg Config, st store.Store, provider llm.Provider, registry *tools.Registry,
	locker convlock.Locker, collector *metrics.Collector, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		provider: provider,
		registry: registry,
		locker:   locker,
		history:  newHistoryBuilder(cfg.MaxHistoryMessages, cfg.HistoryTokenBudget),
		metrics:  collector,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}, nil
}

// RunTurn executes one full turn under the conversation's lock and returns
// the final assistant message, already persisted.
func (o *Orchestrator) RunTurn(ctx context.Context, conv *store.Conversation, userMsg *store.Message) (*store.Message, error) {
	lockStart := time.Now()
	release, err := o.locker.Acquire(ctx, conv.ChatID)
	if err != nil {
		return nil, fmt.Errorf("acquire conversation lock: %w", err)
	}
	defer release()
	if o.metrics != nil {
		o.metrics.RecordLockWait(time.Since(lockStart))
	}

	start := time.Now()
	reply, iterations, err := o.runLocked(ctx, conv)
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordTurn(string(conv.SourceType), status, iterations, time.Since(start))
	}
	return reply, err
}

func (o *Orchestrator) runLocked(ctx context.Context, conv *store.Conversation) (*store.Message, int, error) {
	if conv.ChatSettingsID == "" {
		return nil, 0, ErrNoChatSettings
	}
	settings, err := o.store.GetChatSettings(ctx, conv.ChatSettingsID)
	if err != nil {
		return nil, 0, fmt.Errorf("load chat settings: %w", err)
	}
	snapshot, err := o.registry.Snapshot(ctx, settings)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordSnapshotBuild("error")
		}
		return nil, 0, fmt.Errorf("build tool snapshot: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RecordSnapshotBuild("ok")
	}

	logger := o.logger.With(zap.String("chat_id", conv.ChatID))
	state := StateAwaitingModel

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		msgs, err := o.store.RecentMessages(ctx, conv.ChatID, o.cfg.MaxHistoryMessages*2)
		if err != nil {
			return nil, iteration, fmt.Errorf("load history: %w", err)
		}
		transcript := o.history.Build(settings.SystemPrompt, conv, msgs)

		logger.Debug("calling model",
			zap.Int("iteration", iteration),
			zap.String("state", string(state)),
			zap.Int("messages", len(transcript)),
			zap.Int("tools", snapshot.Len()))

		resp, err := o.completion(ctx, settings.Model, transcript, snapshot.Schemas())
		if err != nil {
			return nil, iteration, err
		}
		if len(resp.Choices) == 0 {
			return nil, iteration, fmt.Errorf("model returned no choices")
		}
		choice := resp.Choices[0].Message

		if len(choice.ToolCalls) == 0 {
			state = StateFinalized
			reply := &store.Message{
				ChatID:  conv.ChatID,
				Type:    store.MessageText,
				Role:    string(llm.RoleAssistant),
				Content: choice.Content,
			}
			if err := o.store.AppendMessage(ctx, reply); err != nil {
				return nil, iteration, fmt.Errorf("append reply: %w", err)
			}
			logger.Info("turn finalized",
				zap.Int("iterations", iteration),
				zap.String("state", string(state)))
			return reply, iteration, nil
		}

		state = StateExecutingTools
		if err := o.executeBatch(ctx, conv, snapshot, choice.ToolCalls, logger); err != nil {
			return nil, iteration, err
		}
		state = StateAwaitingModel
	}

	// Iteration cap hit: close the turn with the fallback so the
	// conversation never dangles mid-tool-loop.
	reply := &store.Message{
		ChatID:  conv.ChatID,
		Type:    store.MessageText,
		Role:    string(llm.RoleAssistant),
		Content: o.cfg.FallbackMessage,
	}
	if err := o.store.AppendMessage(ctx, reply); err != nil {
		return nil, o.cfg.MaxIterations, fmt.Errorf("append fallback reply: %w", err)
	}
	logger.Warn("iteration cap reached", zap.Int("max_iterations", o.cfg.MaxIterations))
	return reply, o.cfg.MaxIterations, nil
}

func (o *Orchestrator) completion(ctx context.Context, model string, msgs []llm.Message, schemas []llm.ToolSchema) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: msgs,
		Tools:    schemas,
	})
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		var prompt, completion int
		if resp != nil {
			prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}
		o.metrics.RecordModelRequest(o.provider.Name(), model, status, time.Since(start), prompt, completion)
	}
	if err != nil {
		return nil, fmt.Errorf("model completion: %w", err)
	}
	return resp, nil
}

// executeBatch persists the model's calls, runs them with bounded
// concurrency and appends one result per call in call order. A failed tool
// becomes an error payload result, not a failed turn.
func (o *Orchestrator) executeBatch(ctx context.Context, conv *store.Conversation,
	snapshot *tools.Snapshot, calls []llm.ToolCall, logger *zap.Logger) error {

	callRows := make([]*store.Message, len(calls))
	for i, call := range calls {
		callRows[i] = &store.Message{
			ChatID:            conv.ChatID,
			Type:              store.MessageToolCall,
			Role:              string(llm.RoleAssistant),
			ToolCallID:        call.ID,
			FunctionName:      call.Name,
			FunctionArguments: string(call.Arguments),
		}
	}
	if err := o.store.AppendMessages(ctx, callRows); err != nil {
		return fmt.Errorf("append tool calls: %w", err)
	}

	results := make([]string, len(calls))
	sem := semaphore.NewWeighted(o.cfg.MaxConcurrentTools)
	done := make(chan int, len(calls))

	for i, call := range calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(idx int, c llm.ToolCall) {
			defer sem.Release(1)
			results[idx] = o.executeOne(ctx, snapshot, c, logger)
			done <- idx
		}(i, call)
	}
	for range calls {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	resultRows := make([]*store.Message, len(calls))
	for i, call := range calls {
		resultRows[i] = &store.Message{
			ChatID:         conv.ChatID,
			Type:           store.MessageToolResult,
			Role:           string(llm.RoleTool),
			ToolCallID:     call.ID,
			FunctionName:   call.Name,
			FunctionResult: results[i],
		}
	}
	if err := o.store.AppendMessages(ctx, resultRows); err != nil {
		return fmt.Errorf("append tool results: %w", err)
	}
	return nil
}

func (o *Orchestrator) executeOne(ctx context.Context, snapshot *tools.Snapshot, call llm.ToolCall, logger *zap.Logger) string {
	start := time.Now()

	exec, ok := snapshot.Lookup(call.Name)
	if !ok {
		err := fmt.Errorf("unknown tool %q", call.Name)
		logger.Warn("tool call rejected", zap.String("tool", call.Name), zap.Error(err))
		if o.metrics != nil {
			o.metrics.RecordToolCall(call.Name, "unknown", time.Since(start))
		}
		return tools.ErrorPayload(call.Name, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	result, err := exec.Execute(execCtx, call.Arguments)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("tool %s: timeout after %s", call.Name, o.cfg.ToolTimeout)
		}
		logger.Warn("tool execution failed",
			zap.String("tool", call.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
		if o.metrics != nil {
			o.metrics.RecordToolCall(call.Name, "error", duration)
		}
		return tools.ErrorPayload(call.Name, err)
	}

	logger.Info("tool executed",
		zap.String("tool", call.Name),
		zap.Duration("duration", duration))
	if o.metrics != nil {
		o.metrics.RecordToolCall(call.Name, "ok", duration)
	}
	return result
}
