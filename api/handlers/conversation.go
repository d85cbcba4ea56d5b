package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chatwithoats/oats/channel"
	"github.com/chatwithoats/oats/store"
)

// webhookTurnBudget bounds a background turn started from a webhook ack.
const webhookTurnBudget = 5 * time.Minute

// ConversationHandler serves inbound message webhooks and conversation
// management: silent toggling, settings binding and transcript reads.
type ConversationHandler struct {
	store   store.Store
	service *channel.Service
	logger  *zap.Logger
}

func NewConversationHandler(st store.Store, service *channel.Service, logger *zap.Logger) *ConversationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationHandler{store: st, service: service, logger: logger}
}

// inboundRequest is the wire form of a channel event.
type inboundRequest struct {
	ChatID          string   `json:"chat_id"`
	Sender          string   `json:"sender,omitempty"`
	SenderName      string   `json:"sender_name,omitempty"`
	Source          string   `json:"source"`
	IsGroup         bool     `json:"is_group,omitempty"`
	GroupName       string   `json:"group_name,omitempty"`
	Type            string   `json:"type"`
	Text            string   `json:"text,omitempty"`
	Caption         string   `json:"caption,omitempty"`
	QuotedMessageID *string  `json:"quoted_message_id,omitempty"`
	Participants    []string `json:"participants,omitempty"`
}

func (req *inboundRequest) toEvent() *channel.InboundEvent {
	msgType := store.MessageType(req.Type)
	if req.Type == "" {
		msgType = store.MessageText
	}
	return &channel.InboundEvent{
		ChatID:          req.ChatID,
		Sender:          req.Sender,
		SenderName:      req.SenderName,
		SourceType:      store.SourceType(req.Source),
		IsGroup:         req.IsGroup,
		GroupName:       req.GroupName,
		Type:            msgType,
		Text:            req.Text,
		Caption:         req.Caption,
		QuotedMessageID: req.QuotedMessageID,
		Participants:    req.Participants,
		Timestamp:       time.Now(),
	}
}

// HandleInbound POST /api/v1/messages/inbound
//
// Portal clients call this synchronously: the turn runs inside the request
// and the handler returns once the reply is persisted.
func (h *ConversationHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	var req inboundRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Source == "" {
		req.Source = string(store.SourcePortal)
	}

	event := req.toEvent()
	if err := event.Validate(); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), h.logger)
		return
	}

	if err := h.service.HandleInbound(r.Context(), event); err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, CodeInternalError, err.Error(), h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"chat_id": event.ChatID, "status": "processed"})
}

// HandleWhatsAppWebhook POST /webhooks/whatsapp
//
// Gateways expect a fast ack, so the turn runs in the background on a
// detached context and the handler answers 202 immediately.
func (h *ConversationHandler) HandleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	var req inboundRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.Source = string(store.SourceWhatsApp)

	event := req.toEvent()
	if err := event.Validate(); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), h.logger)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTurnBudget)
		defer cancel()
		if err := h.service.HandleInbound(ctx, event); err != nil {
			h.logger.Error("webhook turn failed",
				zap.String("chat_id", event.ChatID),
				zap.Error(err),
			)
		}
	}()

	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      map[string]string{"chat_id": event.ChatID, "status": "accepted"},
		Timestamp: time.Now(),
	})
}

// HandleGetConversation GET /api/v1/conversations/{chatID}
func (h *ConversationHandler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	chatID := r.PathValue("chatID")
	if chatID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing chat id", h.logger)
		return
	}
	conv, err := h.store.GetConversation(r.Context(), chatID)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, conv)
}

// HandleListMessages GET /api/v1/conversations/{chatID}/messages?limit=50
func (h *ConversationHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	chatID := r.PathValue("chatID")
	if chatID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing chat id", h.logger)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be 1..500", h.logger)
			return
		}
		limit = n
	}

	if _, err := h.store.GetConversation(r.Context(), chatID); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	msgs, err := h.store.RecentMessages(r.Context(), chatID, limit)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, msgs)
}

type silentRequest struct {
	Silent bool `json:"silent"`
}

// HandleSetSilent PUT /api/v1/conversations/{chatID}/silent
func (h *ConversationHandler) HandleSetSilent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	chatID := r.PathValue("chatID")
	if chatID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing chat id", h.logger)
		return
	}

	var req silentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.service.SetSilent(r.Context(), chatID, req.Silent); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"chat_id": chatID, "silent": req.Silent})
}

type bindSettingsRequest struct {
	ChatSettingsID string `json:"chat_settings_id"`
}

// HandleBindSettings PUT /api/v1/conversations/{chatID}/settings
func (h *ConversationHandler) HandleBindSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	chatID := r.PathValue("chatID")
	if chatID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing chat id", h.logger)
		return
	}

	var req bindSettingsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ChatSettingsID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "chat_settings_id is required", h.logger)
		return
	}

	if err := h.store.SetConversationSettings(r.Context(), chatID, req.ChatSettingsID); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}

	h.logger.Info("conversation bound to settings",
		zap.String("chat_id", chatID),
		zap.String("settings_id", req.ChatSettingsID),
	)
	WriteSuccess(w, map[string]string{"chat_id": chatID, "chat_settings_id": req.ChatSettingsID})
}
