package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatwithoats/oats/internal/convlock"
	"github.com/chatwithoats/oats/llm"
	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	requests  []*llm.ChatRequest
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test",
		Choices: []llm.ChatChoice{{
			Message: llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5},
	}
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test",
		Choices: []llm.ChatChoice{{
			Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		}},
	}
}

type fixture struct {
	store    *store.GormStore
	registry *tools.Registry
	conv     *store.Conversation
	settings *store.ChatSettings
}

// newFixture builds a store with one conversation whose settings enable the
// given function tools.
func newFixture(t *testing.T, fns map[string]tools.Func) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st, err := store.NewGormStore(db, nil)
	require.NoError(t, err)

	reg := tools.NewRegistry(st, tools.NewHTTPInvoker(tools.InvokerConfig{}, nil), nil)

	var toolIDs store.JSONStrings
	for name, fn := range fns {
		schema, err := json.Marshal(map[string]any{
			"name":       name,
			"parameters": map[string]any{"type": "object"},
		})
		require.NoError(t, err)
		row := &store.Tool{
			Name:           name,
			ToolType:       store.ToolTypeFunction,
			FunctionSchema: store.JSONRaw(schema),
		}
		require.NoError(t, st.CreateTool(ctx, row))
		toolIDs = append(toolIDs, row.ID)
		reg.RegisterFunction(name, fn)
	}

	settings := &store.ChatSettings{
		Name:           "test",
		SystemPrompt:   "You are a helpful assistant.",
		Model:          "test",
		EnabledToolIDs: toolIDs,
	}
	require.NoError(t, st.CreateChatSettings(ctx, settings))

	conv := &store.Conversation{
		ChatID:         "chat-1",
		SourceType:     store.SourceWhatsApp,
		ChatSettingsID: settings.ID,
	}
	require.NoError(t, st.UpsertConversation(ctx, conv))
	conv.ChatSettingsID = settings.ID

	return &fixture{store: st, registry: reg, conv: conv, settings: settings}
}

func (f *fixture) userMessage(t *testing.T, text string) *store.Message {
	t.Helper()
	msg := &store.Message{ChatID: f.conv.ChatID, Type: store.MessageText, Role: "user", Content: text}
	require.NoError(t, f.store.AppendMessage(context.Background(), msg))
	return msg
}

func newOrchestrator(t *testing.T, f *fixture, provider llm.Provider, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, f.store, provider, f.registry, convlock.NewLocalLocker(), nil, nil)
	require.NoError(t, err)
	return o
}

func TestRunTurnDirectAnswer(t *testing.T) {
	f := newFixture(t, nil)
	provider := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("hello there")}}
	o := newOrchestrator(t, f, provider, Config{})
	msg := f.userMessage(t, "hi")

	reply, err := o.RunTurn(context.Background(), f.conv, msg)
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply.Content)
	assert.Equal(t, store.MessageText, reply.Type)

	// One model call, system prompt first, user message last.
	require.Len(t, provider.requests, 1)
	transcript := provider.requests[0].Messages
	assert.Equal(t, llm.RoleSystem, transcript[0].Role)
	assert.Equal(t, "hi", transcript[len(transcript)-1].Content)

	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ChatID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", msgs[1].Content)
}

func TestRunTurnToolLoop(t *testing.T) {
	f := newFixture(t, map[string]tools.Func{
		"get_forecast": func(ctx context.Context, args json.RawMessage) (string, error) {
			return `{"temp":21}`, nil
		},
	})
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "call_1", Name: "get_forecast", Arguments: json.RawMessage(`{}`)}),
		textResponse("It is 21 degrees."),
	}}
	o := newOrchestrator(t, f, provider, Config{})
	msg := f.userMessage(t, "weather?")

	reply, err := o.RunTurn(context.Background(), f.conv, msg)
	require.NoError(t, err)
	assert.Equal(t, "It is 21 degrees.", reply.Content)

	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ChatID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user, tool call, tool result, reply
	assert.Equal(t, store.MessageToolCall, msgs[1].Type)
	assert.Equal(t, "call_1", msgs[1].ToolCallID)
	assert.Equal(t, store.MessageToolResult, msgs[2].Type)
	assert.JSONEq(t, `{"temp":21}`, msgs[2].FunctionResult)

	// The second model call saw the tool exchange.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1].Messages
	var sawCall, sawResult bool
	for _, m := range second {
		if len(m.ToolCalls) > 0 {
			sawCall = true
		}
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" {
			sawResult = true
		}
	}
	assert.True(t, sawCall)
	assert.True(t, sawResult)
}

func TestRunTurnResultsKeepCallOrder(t *testing.T) {
	// The first call finishes last; results must still land in call order.
	f := newFixture(t, map[string]tools.Func{
		"slow": func(ctx context.Context, args json.RawMessage) (string, error) {
			time.Sleep(30 * time.Millisecond)
			return "slow done", nil
		},
		"fast": func(ctx context.Context, args json.RawMessage) (string, error) {
			return "fast done", nil
		},
	})
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolCallResponse(
			llm.ToolCall{ID: "call_a", Name: "slow", Arguments: json.RawMessage(`{}`)},
			llm.ToolCall{ID: "call_b", Name: "fast", Arguments: json.RawMessage(`{}`)},
		),
		textResponse("done"),
	}}
	o := newOrchestrator(t, f, provider, Config{})
	msg := f.userMessage(t, "go")

	_, err := o.RunTurn(context.Background(), f.conv, msg)
	require.NoError(t, err)

	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ChatID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	assert.Equal(t, "call_a", msgs[1].ToolCallID)
	assert.Equal(t, "call_b", msgs[2].ToolCallID)
	assert.Equal(t, "call_a", msgs[3].ToolCallID)
	assert.Equal(t, "slow done", msgs[3].FunctionResult)
	assert.Equal(t, "call_b", msgs[4].ToolCallID)
	assert.Equal(t, "fast done", msgs[4].FunctionResult)
}

func TestRunTurnToolFailureBecomesErrorResult(t *testing.T) {
	f := newFixture(t, map[string]tools.Func{
		"flaky": func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", fmt.Errorf("upstream exploded")
		},
	})
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "call_1", Name: "flaky", Arguments: json.RawMessage(`{}`)}),
		textResponse("sorry, that failed"),
	}}
	o := newOrchestrator(t, f, provider, Config{})
	msg := f.userMessage(t, "go")

	reply, err := o.RunTurn(context.Background(), f.conv, msg)
	require.NoError(t, err)
	assert.Equal(t, "sorry, that failed", reply.Content)

	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ChatID, 10)
	require.NoError(t, err)
	assert.Contains(t, msgs[2].FunctionResult, "upstream exploded")
	assert.Contains(t, msgs[2].FunctionResult, `"error"`)
}

func TestRunTurnUnknownToolBecomesErrorResult(t *testing.T) {
	f := newFixture(t, nil)
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "call_1", Name: "ghost", Arguments: json.RawMessage(`{}`)}),
		textResponse("that tool does not exist"),
	}}
	o := newOrchestrator(t, f, provider, Config{})
	msg := f.userMessage(t, "go")

	_, err := o.RunTurn(context.Background(), f.conv, msg)
	require.NoError(t, err)

	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ChatID, 10)
	require.NoError(t, err)
	assert.Contains(t, msgs[2].FunctionResult, "unknown tool")
}

func TestRunTurnIterationCap(t *testing.T) {
	f := newFixture(t, map[string]tools.Func{
		"loop": func(ctx context.Context, args json.RawMessage) (string, error) {
			return "again", nil
		},
	})
	// The model never stops asking for tools.
	var responses []*llm.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResponse(
			llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "loop", Arguments: json.RawMessage(`{}`)}))
	}
	provider := &scriptedProvider{responses: responses}
	o := newOrchestrator(t, f, provider, Config{MaxIterations: 3, FallbackMessage: "gave up"})
	msg := f.userMessage(t, "go")

	reply, err := o.RunTurn(context.Background(), f.conv, msg)
	require.NoError(t, err)
	assert.Equal(t, "gave up", reply.Content)
	assert.Len(t, provider.requests, 3)
}

func TestRunTurnToolTimeout(t *testing.T) {
	f := newFixture(t, map[string]tools.Func{
		"stuck": func(ctx context.Context, args json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "call_1", Name: "stuck", Arguments: json.RawMessage(`{}`)}),
		textResponse("timed out"),
	}}
	o := newOrchestrator(t, f, provider, Config{ToolTimeout: 20 * time.Millisecond})
	msg := f.userMessage(t, "go")

	_, err := o.RunTurn(context.Background(), f.conv, msg)
	require.NoError(t, err)

	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ChatID, 10)
	require.NoError(t, err)
	assert.Contains(t, msgs[2].FunctionResult, "timeout")
}

func TestRunTurnNoChatSettings(t *testing.T) {
	f := newFixture(t, nil)
	o := newOrchestrator(t, f, &scriptedProvider{}, Config{})

	conv := &store.Conversation{ChatID: "orphan", SourceType: store.SourceWhatsApp}
	require.NoError(t, f.store.UpsertConversation(context.Background(), conv))
	msg := &store.Message{ChatID: "orphan", Type: store.MessageText, Role: "user", Content: "hi"}
	require.NoError(t, f.store.AppendMessage(context.Background(), msg))

	_, err := o.RunTurn(context.Background(), conv, msg)
	require.ErrorIs(t, err, ErrNoChatSettings)
}

func TestRunTurnSerializedPerConversation(t *testing.T) {
	f := newFixture(t, nil)
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		textResponse("first"), textResponse("second"),
	}}
	o := newOrchestrator(t, f, provider, Config{})
	msg := f.userMessage(t, "hi")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.RunTurn(context.Background(), f.conv, msg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Both turns completed and both replies were persisted.
	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ChatID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}
