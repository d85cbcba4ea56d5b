package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// InvokerConfig tunes endpoint execution.
type InvokerConfig struct {
	Timeout        time.Duration // per-invocation cap, default 30s
	RateLimit      rate.Limit    // calls per second per tool, 0 disables
	RateBurst      int           // default 1 when RateLimit is set
	MaxResultBytes int           // response bodies above this are truncated, default 64KiB
	DefaultHeaders map[string]string
}

// HTTPInvoker executes compiled endpoint plans. One rate limiter per tool
// name; results always come back as text for the model, with failures
// encoded as a structured error payload by the caller.
type HTTPInvoker struct {
	cfg      InvokerConfig
	client   *http.Client
	logger   *zap.Logger
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPInvoker creates an invoker with the given config.
func NewHTTPInvoker(cfg InvokerConfig, logger *zap.Logger) *HTTPInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResultBytes == 0 {
		cfg.MaxResultBytes = 64 * 1024
	}
	if cfg.RateLimit > 0 && cfg.RateBurst == 0 {
		cfg.RateBurst = 1
	}
	return &HTTPInvoker{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With(zap.String("component", "tool_invoker")),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (inv *HTTPInvoker) limiter(tool string) *rate.Limiter {
	if inv.cfg.RateLimit <= 0 {
		return nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	l, ok := inv.limiters[tool]
	if !ok {
		l = rate.NewLimiter(inv.cfg.RateLimit, inv.cfg.RateBurst)
		inv.limiters[tool] = l
	}
	return l
}

// Invoke validates the model's arguments against the plan, assembles the
// HTTP request and returns the response body as text.
func (inv *HTTPInvoker) Invoke(ctx context.Context, plan *InvocationPlan, args json.RawMessage) (string, error) {
	values, err := decodeArgs(plan, args)
	if err != nil {
		return "", err
	}

	if l := inv.limiter(plan.ToolName); l != nil && !l.Allow() {
		return "", fmt.Errorf("tool %s: rate limit exceeded", plan.ToolName)
	}

	req, err := inv.buildRequest(ctx, plan, values)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := inv.client.Do(req)
	if err != nil {
		inv.logger.Warn("endpoint call failed",
			zap.String("tool", plan.ToolName),
			zap.Error(err))
		return "", fmt.Errorf("tool %s: %w", plan.ToolName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(inv.cfg.MaxResultBytes)+1))
	if err != nil {
		return "", fmt.Errorf("tool %s: read response: %w", plan.ToolName, err)
	}
	truncated := false
	if len(body) > inv.cfg.MaxResultBytes {
		body = body[:inv.cfg.MaxResultBytes]
		truncated = true
	}

	inv.logger.Info("endpoint call completed",
		zap.String("tool", plan.ToolName),
		zap.Int("status", resp.StatusCode),
		zap.Bool("truncated", truncated),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tool %s: upstream returned HTTP %d: %s",
			plan.ToolName, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// decodeArgs checks the model's arguments against the exposed surface:
// unknown names are rejected, required names must be present, supplied
// values must match the declared JSON-schema type.
func decodeArgs(plan *InvocationPlan, args json.RawMessage) (map[string]any, error) {
	values := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &values); err != nil {
			return nil, fmt.Errorf("tool %s: invalid arguments: %w", plan.ToolName, err)
		}
	}

	exposed := make(map[string]Binding, len(plan.Bindings))
	for _, b := range plan.Bindings {
		if b.Policy.Exposed() {
			exposed[b.ExposedName] = b
		}
	}
	for name := range values {
		if _, ok := exposed[name]; !ok {
			return nil, fmt.Errorf("tool %s: unknown argument %q", plan.ToolName, name)
		}
	}
	for name, b := range exposed {
		v, ok := values[name]
		if !ok {
			if b.Required {
				return nil, fmt.Errorf("tool %s: missing required argument %q", plan.ToolName, name)
			}
			continue
		}
		if err := checkArgType(b, v); err != nil {
			return nil, fmt.Errorf("tool %s: %w", plan.ToolName, err)
		}
	}
	return values, nil
}

// checkArgType validates a decoded value against the binding's declared
// schema type. A binding without a declared type accepts any shape.
func checkArgType(b Binding, value any) error {
	if len(b.Schema) == 0 {
		return nil
	}
	var decl struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b.Schema, &decl); err != nil || decl.Type == "" {
		return nil
	}

	var ok bool
	switch decl.Type {
	case "string":
		_, ok = value.(string)
	case "boolean":
		_, ok = value.(bool)
	case "number":
		_, ok = value.(float64)
	case "integer":
		f, isNum := value.(float64)
		ok = isNum && f == math.Trunc(f)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("argument %q must be of type %s", b.ExposedName, decl.Type)
	}
	return nil
}

func (inv *HTTPInvoker) buildRequest(ctx context.Context, plan *InvocationPlan, args map[string]any) (*http.Request, error) {
	path := plan.Path
	query := url.Values{}
	headers := http.Header{}
	body := map[string]any{}

	for _, b := range plan.Bindings {
		value, ok := bindingValue(b, args)
		if !ok {
			continue
		}
		switch b.In {
		case InPath:
			path = strings.ReplaceAll(path, "{"+b.WireName+"}", url.PathEscape(stringify(value)))
		case InQuery:
			query.Set(b.WireName, stringify(value))
		case InHeader:
			headers.Set(b.WireName, stringify(value))
		case InBody:
			body[b.WireName] = value
		default:
			return nil, fmt.Errorf("tool %s: parameter %q has unknown location %q", plan.ToolName, b.WireName, b.In)
		}
	}

	if strings.Contains(path, "{") {
		return nil, fmt.Errorf("tool %s: unresolved path parameter in %q", plan.ToolName, path)
	}

	var reader io.Reader
	if len(body) > 0 {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("tool %s: encode request body: %w", plan.ToolName, err)
		}
		reader = bytes.NewReader(encoded)
	}

	target := strings.TrimRight(plan.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, plan.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", plan.ToolName, err)
	}
	for k, v := range inv.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// bindingValue resolves where a binding's value comes from. The second
// return is false when the parameter is omitted from the request.
func bindingValue(b Binding, args map[string]any) (any, bool) {
	switch b.Policy {
	case PolicySkipped:
		return nil, false
	case PolicySkippedWithValue, PolicyConstant:
		return b.Value, true
	default:
		v, ok := args[b.ExposedName]
		return v, ok
	}
}

// stringify renders a value for path, query and header positions.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

// ErrorPayload renders a tool failure as the JSON text handed back to the
// model, so the model can see what went wrong and react.
func ErrorPayload(tool string, err error) string {
	payload := map[string]any{
		"error": map[string]any{
			"tool":    tool,
			"message": err.Error(),
		},
	}
	encoded, mErr := json.Marshal(payload)
	if mErr != nil {
		return fmt.Sprintf(`{"error":{"tool":%q,"message":"internal error"}}`, tool)
	}
	return string(encoded)
}
