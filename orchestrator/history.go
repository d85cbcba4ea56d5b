package orchestrator

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/chatwithoats/oats/llm"
	"github.com/chatwithoats/oats/store"
)

// historyBuilder converts stored messages into the model-facing transcript,
// bounded by message count and token budget. Dropping happens oldest-first
// and never splits a tool call from its result.
type historyBuilder struct {
	maxMessages int
	tokenBudget int
	countTokens func(string) int
}

func newHistoryBuilder(maxMessages, tokenBudget int) *historyBuilder {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if tokenBudget <= 0 {
		tokenBudget = 4000
	}
	return &historyBuilder{
		maxMessages: maxMessages,
		tokenBudget: tokenBudget,
		countTokens: tokenLen,
	}
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// tokenLen counts with cl100k_base. The encoding is loaded on first use
// because tiktoken may fetch the BPE table over the network; when it is
// unavailable the estimate keeps the window bounded instead of failing
// every turn.
func tokenLen(text string) int {
	encOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			enc = e
		}
	})
	if enc == nil {
		return estimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// estimateTokens approximates ~4 bytes per token, rounding up.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Build renders the system prompt plus as much recent history as fits.
func (h *historyBuilder) Build(systemPrompt string, conv *store.Conversation, msgs []store.Message) []llm.Message {
	converted := convertMessages(conv, msgs)

	// Window newest-first under both limits, then restore order.
	budget := h.tokenBudget - h.countTokens(systemPrompt)
	kept := 0
	for i := len(converted) - 1; i >= 0 && kept < h.maxMessages; i-- {
		cost := h.countTokens(converted[i].Content)
		if budget-cost < 0 && kept > 0 {
			break
		}
		budget -= cost
		kept++
	}
	windowed := converted[len(converted)-kept:]

	// Never start the window on a tool result: its call fell outside.
	for len(windowed) > 0 && windowed[0].Role == llm.RoleTool {
		windowed = windowed[1:]
	}

	out := make([]llm.Message, 0, len(windowed)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	out = append(out, windowed...)
	return out
}

// convertMessages maps stored rows to wire messages. Consecutive TOOL_CALL
// rows collapse into one assistant message carrying all calls of that batch.
func convertMessages(conv *store.Conversation, msgs []store.Message) []llm.Message {
	var out []llm.Message
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Type {
		case store.MessageToolCall:
			calls := []llm.ToolCall{toolCallOf(m)}
			for i+1 < len(msgs) && msgs[i+1].Type == store.MessageToolCall {
				i++
				calls = append(calls, toolCallOf(msgs[i]))
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})

		case store.MessageToolResult:
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.FunctionResult,
				Name:       m.FunctionName,
				ToolCallID: m.ToolCallID,
			})

		case store.MessageSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.Content})

		default:
			out = append(out, llm.Message{
				Role:    roleOf(m),
				Content: renderContent(conv, m),
			})
		}
	}
	return out
}

func toolCallOf(m store.Message) llm.ToolCall {
	return llm.ToolCall{
		ID:        m.ToolCallID,
		Name:      m.FunctionName,
		Arguments: json.RawMessage(m.FunctionArguments),
	}
}

func roleOf(m store.Message) llm.Role {
	if m.Role != "" {
		return llm.Role(m.Role)
	}
	return llm.RoleUser
}

// renderContent adds the quoted snippet and, in group chats, the sender
// name, so the model can follow who said what.
func renderContent(conv *store.Conversation, m store.Message) string {
	var b strings.Builder
	if m.QuotedMessageContent != "" {
		b.WriteString("> ")
		b.WriteString(strings.ReplaceAll(m.QuotedMessageContent, "\n", "\n> "))
		b.WriteString("\n")
	}
	if conv != nil && conv.IsGroup && roleOf(m) == llm.RoleUser && m.SenderName != "" {
		b.WriteString(m.SenderName)
		b.WriteString(": ")
	}
	b.WriteString(m.Content)
	return b.String()
}
