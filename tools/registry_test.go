package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatwithoats/oats/store"
)

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s, err := store.NewGormStore(db, nil)
	require.NoError(t, err)
	return s
}

func seedEndpointTool(t *testing.T, st *store.GormStore, name string) *store.Tool {
	t.Helper()
	ctx := context.Background()
	api := &store.Api{Name: "weather", BaseURL: "https://api.example.com"}
	require.NoError(t, st.CreateApi(ctx, api))
	req := &store.ApiRequest{
		ApiID:      api.ID,
		Path:       "/forecast/{city}",
		Method:     "GET",
		Parameters: store.JSONRaw(`[{"name":"city","in":"path","required":true}]`),
	}
	require.NoError(t, st.UpsertApiRequest(ctx, req))
	tool := &store.Tool{
		Name:         name,
		ToolType:     store.ToolTypeAPIRequest,
		ApiRequestID: &req.ID,
	}
	require.NoError(t, st.CreateTool(ctx, tool))
	return tool
}

func functionToolRow(t *testing.T, st *store.GormStore, name string) *store.Tool {
	t.Helper()
	schema, err := json.Marshal(map[string]any{
		"name":       name,
		"parameters": map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	tool := &store.Tool{
		Name:           name,
		ToolType:       store.ToolTypeFunction,
		FunctionSchema: store.JSONRaw(schema),
	}
	require.NoError(t, st.CreateTool(context.Background(), tool))
	return tool
}

func TestRegistryBuild(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	endpoint := seedEndpointTool(t, st, "get_forecast")
	fn := functionToolRow(t, st, "lookup_customer")
	builtin := &store.Tool{Name: "web", ToolType: store.ToolTypeWebSearch}
	require.NoError(t, st.CreateTool(ctx, builtin))

	cs := &store.ChatSettings{
		Name:           "default",
		SystemPrompt:   "You are helpful.",
		Model:          "gpt-4o",
		EnabledToolIDs: store.JSONStrings{fn.ID, endpoint.ID, builtin.ID},
	}
	require.NoError(t, st.CreateChatSettings(ctx, cs))

	reg := NewRegistry(st, NewHTTPInvoker(InvokerConfig{}, nil), nil)
	reg.RegisterFunction("lookup_customer", func(ctx context.Context, args json.RawMessage) (string, error) {
		return `{"id":"c1"}`, nil
	})

	snap, err := reg.Build(ctx, cs)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Len())

	// Schemas keep the configured order.
	schemas := snap.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "lookup_customer", schemas[0].Name)
	assert.Equal(t, "get_forecast", schemas[1].Name)
	assert.Equal(t, "web_search_preview", schemas[2].Name)
	assert.Equal(t, "web_search_preview", schemas[2].BuiltinType)

	exec, ok := snap.Lookup("lookup_customer")
	require.True(t, ok)
	result, err := exec.Execute(ctx, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1"}`, result)

	// Built-in with no local executor refuses to run.
	exec, ok = snap.Lookup("web_search_preview")
	require.True(t, ok)
	_, err = exec.Execute(ctx, nil)
	require.Error(t, err)
}

func TestRegistrySameClassCollision(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := functionToolRow(t, st, "lookup_customer")
	bSchema, _ := json.Marshal(map[string]any{"name": "lookup_customer"})
	b := &store.Tool{Name: "dup", ToolType: store.ToolTypeFunction, FunctionSchema: store.JSONRaw(bSchema)}
	require.NoError(t, st.CreateTool(ctx, b))

	cs := &store.ChatSettings{
		Name: "dup", SystemPrompt: "x", Model: "m",
		EnabledToolIDs: store.JSONStrings{a.ID, b.ID},
	}
	require.NoError(t, st.CreateChatSettings(ctx, cs))

	reg := NewRegistry(st, NewHTTPInvoker(InvokerConfig{}, nil), nil)
	reg.RegisterFunction("lookup_customer", func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", nil
	})
	_, err := reg.Build(ctx, cs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool name")
}

func TestRegistryDisablesBrokenTool(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	broken := seedEndpointTool(t, st, "get_forecast")
	// Skipping a path parameter without a value leaves a hole in the URL,
	// so this endpoint no longer compiles.
	require.NoError(t, st.UpdateApiRequestPolicy(ctx, *broken.ApiRequestID,
		store.JSONMap{"city": nil}, nil, nil))
	fn := functionToolRow(t, st, "lookup_customer")

	cs := &store.ChatSettings{
		Name: "partial", SystemPrompt: "x", Model: "m",
		EnabledToolIDs: store.JSONStrings{broken.ID, fn.ID},
	}
	require.NoError(t, st.CreateChatSettings(ctx, cs))

	reg := NewRegistry(st, NewHTTPInvoker(InvokerConfig{}, nil), nil)
	reg.RegisterFunction("lookup_customer", func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", nil
	})

	snap, err := reg.Build(ctx, cs)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	_, ok := snap.Lookup("get_forecast")
	assert.False(t, ok)
	_, ok = snap.Lookup("lookup_customer")
	assert.True(t, ok)
}

func TestRegistryPrecedence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// An endpoint tool and a function tool sharing a name: the function wins
	// regardless of enable order.
	endpoint := seedEndpointTool(t, st, "lookup_customer")
	fn := functionToolRow(t, st, "lookup_customer")

	cs := &store.ChatSettings{
		Name: "shadow", SystemPrompt: "x", Model: "m",
		EnabledToolIDs: store.JSONStrings{endpoint.ID, fn.ID},
	}
	require.NoError(t, st.CreateChatSettings(ctx, cs))

	reg := NewRegistry(st, NewHTTPInvoker(InvokerConfig{}, nil), nil)
	reg.RegisterFunction("lookup_customer", func(ctx context.Context, args json.RawMessage) (string, error) {
		return "native", nil
	})

	snap, err := reg.Build(ctx, cs)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())

	exec, ok := snap.Lookup("lookup_customer")
	require.True(t, ok)
	result, err := exec.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "native", result)
}

func TestRegistrySnapshotCache(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	fn := functionToolRow(t, st, "lookup_customer")
	cs := &store.ChatSettings{
		Name: "cache", SystemPrompt: "x", Model: "m",
		EnabledToolIDs: store.JSONStrings{fn.ID},
	}
	require.NoError(t, st.CreateChatSettings(ctx, cs))

	reg := NewRegistry(st, NewHTTPInvoker(InvokerConfig{}, nil), nil)
	reg.RegisterFunction("lookup_customer", func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", nil
	})

	first, err := reg.Snapshot(ctx, cs)
	require.NoError(t, err)
	second, err := reg.Snapshot(ctx, cs)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A newer settings row forces a rebuild.
	cs.UpdatedAt = time.Now().Add(time.Second)
	third, err := reg.Snapshot(ctx, cs)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}
