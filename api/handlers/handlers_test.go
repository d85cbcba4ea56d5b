package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatwithoats/oats/channel"
	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
	"github.com/chatwithoats/oats/tools/openapi"
)

// stubRunner stands in for the orchestrator: it returns a fixed reply and
// remembers the user messages it was handed.
type stubRunner struct {
	reply string
	seen  []*store.Message
}

func (r *stubRunner) RunTurn(ctx context.Context, conv *store.Conversation, userMsg *store.Message) (*store.Message, error) {
	r.seen = append(r.seen, userMsg)
	if r.reply == "" {
		return nil, nil
	}
	return &store.Message{ChatID: conv.ChatID, Content: r.reply}, nil
}

type recordingDeliverer struct {
	source    store.SourceType
	delivered []string
}

func (d *recordingDeliverer) Deliver(ctx context.Context, chatID, text string) error {
	d.delivered = append(d.delivered, text)
	return nil
}

func (d *recordingDeliverer) Source() store.SourceType { return d.source }

type testEnv struct {
	store    *store.GormStore
	registry *tools.Registry
	runner   *stubRunner
	whatsapp *recordingDeliverer
	portal   *recordingDeliverer
	mux      *http.ServeMux
}

// newTestEnv wires the full handler surface against a throwaway sqlite
// database, mirroring the production route table.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)

	invoker := tools.NewHTTPInvoker(tools.InvokerConfig{Timeout: time.Second}, zap.NewNop())
	registry := tools.NewRegistry(st, invoker, zap.NewNop())
	importer := openapi.NewImporter(st, 5*time.Second, zap.NewNop())

	runner := &stubRunner{reply: "hello back"}
	whatsapp := &recordingDeliverer{source: store.SourceWhatsApp}
	portal := &recordingDeliverer{source: store.SourcePortal}
	service := channel.NewService(st, runner, []channel.Deliverer{whatsapp, portal}, zap.NewNop())

	apiHandler := NewAPIHandler(st, importer, registry, zap.NewNop())
	toolHandler := NewToolHandler(st, registry, zap.NewNop())
	settingsHandler := NewChatSettingsHandler(st, registry, zap.NewNop())
	convHandler := NewConversationHandler(st, service, zap.NewNop())
	healthHandler := NewHealthHandler(zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)

	mux.HandleFunc("POST /api/v1/apis/import", apiHandler.HandleImport)
	mux.HandleFunc("GET /api/v1/apis", apiHandler.HandleListApis)
	mux.HandleFunc("GET /api/v1/apis/{id}", apiHandler.HandleGetApi)
	mux.HandleFunc("GET /api/v1/apis/{id}/endpoints", apiHandler.HandleListEndpoints)
	mux.HandleFunc("PUT /api/v1/endpoints/{id}/policy", apiHandler.HandleUpdatePolicy)

	mux.HandleFunc("GET /api/v1/tools", toolHandler.HandleListTools)
	mux.HandleFunc("POST /api/v1/tools", toolHandler.HandleCreateTool)
	mux.HandleFunc("GET /api/v1/tools/{id}", toolHandler.HandleGetTool)
	mux.HandleFunc("DELETE /api/v1/tools/{id}", toolHandler.HandleDeleteTool)

	mux.HandleFunc("POST /api/v1/chat-settings", settingsHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/chat-settings/{id}", settingsHandler.HandleGet)
	mux.HandleFunc("PUT /api/v1/chat-settings/{id}", settingsHandler.HandleUpdate)

	mux.HandleFunc("POST /api/v1/messages/inbound", convHandler.HandleInbound)
	mux.HandleFunc("POST /webhooks/whatsapp", convHandler.HandleWhatsAppWebhook)
	mux.HandleFunc("GET /api/v1/conversations/{chatID}", convHandler.HandleGetConversation)
	mux.HandleFunc("GET /api/v1/conversations/{chatID}/messages", convHandler.HandleListMessages)
	mux.HandleFunc("PUT /api/v1/conversations/{chatID}/silent", convHandler.HandleSetSilent)
	mux.HandleFunc("PUT /api/v1/conversations/{chatID}/settings", convHandler.HandleBindSettings)

	return &testEnv{
		store:    st,
		registry: registry,
		runner:   runner,
		whatsapp: whatsapp,
		portal:   portal,
		mux:      mux,
	}
}
