package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chatwithoats/oats/llm"
	"github.com/chatwithoats/oats/store"
)

// Func is a native tool implementation bound to a function tool by name.
type Func func(ctx context.Context, args json.RawMessage) (string, error)

// Executor runs one tool call and returns its textual result.
type Executor interface {
	Schema() llm.ToolSchema
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Snapshot is the immutable tool set for one chat settings row. Schemas
// keep the configured order; lookup is by model-facing name. A snapshot is
// never mutated after Build, so a turn that holds one is unaffected by
// concurrent rebuilds.
type Snapshot struct {
	SettingsID string
	BuiltAt    time.Time

	schemas   []llm.ToolSchema
	executors map[string]Executor
}

// Schemas returns the tool schemas in configured order.
func (s *Snapshot) Schemas() []llm.ToolSchema { return s.schemas }

// Lookup finds the executor for a model-facing tool name.
func (s *Snapshot) Lookup(name string) (Executor, bool) {
	e, ok := s.executors[name]
	return e, ok
}

// Len reports the number of callable tools.
func (s *Snapshot) Len() int { return len(s.executors) }

// Registry compiles stored tools into snapshots and caches them per chat
// settings row. Rebuilds swap the cached snapshot atomically; in-flight
// turns keep the snapshot they started with.
type Registry struct {
	store   store.Store
	invoker *HTTPInvoker
	logger  *zap.Logger

	mu        sync.RWMutex
	functions map[string]Func
	builtins  map[store.ToolType]Executor

	snapshots sync.Map // settings id -> *snapshotHolder
}

type snapshotHolder struct {
	ptr atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry over the store and invoker.
func NewRegistry(st store.Store, invoker *HTTPInvoker, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:     st,
		invoker:   invoker,
		logger:    logger.With(zap.String("component", "tool_registry")),
		functions: make(map[string]Func),
		builtins:  make(map[store.ToolType]Executor),
	}
}

// RegisterFunction binds a native implementation to a function tool name.
func (r *Registry) RegisterFunction(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
}

// RegisterBuiltin installs a local executor for a built-in tool type, used
// when the model provider hands built-in calls back instead of running them
// itself.
func (r *Registry) RegisterBuiltin(t store.ToolType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[t] = e
}

// Snapshot returns the cached snapshot for the settings row, rebuilding
// when the row changed since the last build.
func (r *Registry) Snapshot(ctx context.Context, cs *store.ChatSettings) (*Snapshot, error) {
	holderAny, _ := r.snapshots.LoadOrStore(cs.ID, &snapshotHolder{})
	holder := holderAny.(*snapshotHolder)

	if snap := holder.ptr.Load(); snap != nil && !cs.UpdatedAt.After(snap.BuiltAt) {
		return snap, nil
	}

	snap, err := r.Build(ctx, cs)
	if err != nil {
		return nil, err
	}
	holder.ptr.Store(snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for a settings row.
func (r *Registry) Invalidate(settingsID string) {
	r.snapshots.Delete(settingsID)
}

// InvalidateAll drops every cached snapshot. Used when a tool row or an
// endpoint policy changes, since those affect an unknown set of chats.
func (r *Registry) InvalidateAll() {
	r.snapshots.Range(func(key, _ any) bool {
		r.snapshots.Delete(key)
		return true
	})
}

// Build compiles the settings' enabled tools into a fresh snapshot.
// Name precedence on collision: function tools beat endpoint tools beat
// built-ins. A collision inside the same class is a configuration error.
// A tool that fails to compile is disabled (left out of the snapshot) so
// one broken policy or schema does not take the whole chat down.
func (r *Registry) Build(ctx context.Context, cs *store.ChatSettings) (*Snapshot, error) {
	rows, err := r.store.GetTools(ctx, cs.EnabledToolIDs)
	if err != nil {
		return nil, fmt.Errorf("load enabled tools: %w", err)
	}

	snap := &Snapshot{
		SettingsID: cs.ID,
		BuiltAt:    time.Now(),
		executors:  make(map[string]Executor, len(rows)),
	}
	class := make(map[string]int, len(rows)) // name -> precedence class

	for i := range rows {
		tool := &rows[i]
		exec, cls, err := r.compile(ctx, tool)
		if err != nil {
			r.logger.Warn("tool disabled",
				zap.String("tool_id", tool.ID),
				zap.String("name", tool.Name),
				zap.Error(err))
			continue
		}
		name := exec.Schema().Name

		prior, seen := class[name]
		switch {
		case !seen:
			class[name] = cls
			snap.executors[name] = exec
			snap.schemas = append(snap.schemas, exec.Schema())
		case prior == cls:
			return nil, fmt.Errorf("duplicate tool name %q in chat settings %s", name, cs.ID)
		case cls < prior:
			// Higher-precedence class replaces the schema in place.
			class[name] = cls
			snap.executors[name] = exec
			for j := range snap.schemas {
				if snap.schemas[j].Name == name {
					snap.schemas[j] = exec.Schema()
					break
				}
			}
			r.logger.Warn("tool name shadowed",
				zap.String("name", name),
				zap.String("chat_settings", cs.ID))
		default:
			r.logger.Warn("tool name shadowed",
				zap.String("name", name),
				zap.String("chat_settings", cs.ID))
		}
	}

	r.logger.Info("tool snapshot built",
		zap.String("chat_settings", cs.ID),
		zap.Int("tools", len(snap.executors)))
	return snap, nil
}

// Precedence classes; lower wins.
const (
	classFunction = iota
	classEndpoint
	classBuiltin
)

func (r *Registry) compile(ctx context.Context, tool *store.Tool) (Executor, int, error) {
	switch tool.ToolType {
	case store.ToolTypeFunction:
		compiled, err := CompileFunctionTool(tool)
		if err != nil {
			return nil, 0, err
		}
		r.mu.RLock()
		fn, ok := r.functions[compiled.Schema.Name]
		r.mu.RUnlock()
		if !ok {
			return nil, 0, fmt.Errorf("tool %s: no handler registered for function %q", tool.ID, compiled.Schema.Name)
		}
		return &functionExecutor{schema: compiled.Schema, fn: fn}, classFunction, nil

	case store.ToolTypeAPIRequest:
		if tool.ApiRequestID == nil {
			return nil, 0, fmt.Errorf("tool %s: endpoint tool without api_request_id", tool.ID)
		}
		req, err := r.store.GetApiRequest(ctx, *tool.ApiRequestID)
		if err != nil {
			return nil, 0, fmt.Errorf("tool %s: %w", tool.ID, err)
		}
		api, err := r.store.GetApi(ctx, req.ApiID)
		if err != nil {
			return nil, 0, fmt.Errorf("tool %s: %w", tool.ID, err)
		}
		compiled, err := CompileEndpoint(tool.Name, tool.Description, api.BaseURL, req)
		if err != nil {
			return nil, 0, fmt.Errorf("tool %s: %w", tool.ID, err)
		}
		return &endpointExecutor{schema: compiled.Schema, plan: compiled.Plan, invoker: r.invoker}, classEndpoint, nil

	case store.ToolTypeWebSearch, store.ToolTypeFileSearch:
		r.mu.RLock()
		exec, ok := r.builtins[tool.ToolType]
		r.mu.RUnlock()
		if ok {
			return exec, classBuiltin, nil
		}
		schema, err := BuiltinSchema(tool.ToolType)
		if err != nil {
			return nil, 0, err
		}
		return &passthroughExecutor{schema: schema}, classBuiltin, nil

	default:
		return nil, 0, fmt.Errorf("tool %s: unknown tool type %q", tool.ID, tool.ToolType)
	}
}

type functionExecutor struct {
	schema llm.ToolSchema
	fn     Func
}

func (e *functionExecutor) Schema() llm.ToolSchema { return e.schema }

func (e *functionExecutor) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return e.fn(ctx, args)
}

type endpointExecutor struct {
	schema  llm.ToolSchema
	plan    *InvocationPlan
	invoker *HTTPInvoker
}

func (e *endpointExecutor) Schema() llm.ToolSchema { return e.schema }

func (e *endpointExecutor) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return e.invoker.Invoke(ctx, e.plan, args)
}

// passthroughExecutor covers built-ins the provider runs itself. A call
// reaching us means the provider bounced it back, which we surface as an
// error result rather than guessing.
type passthroughExecutor struct {
	schema llm.ToolSchema
}

func (e *passthroughExecutor) Schema() llm.ToolSchema { return e.schema }

func (e *passthroughExecutor) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return "", fmt.Errorf("tool %s is executed by the model provider", e.schema.Name)
}
