package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chatwithoats/oats/store"
)

// WhatsAppDeliverer relays assistant replies to a WhatsApp gateway over
// HTTP. The gateway owns session state and phone-number routing; this side
// only posts chat id and text.
type WhatsAppDeliverer struct {
	gatewayURL string
	apiToken   string
	client     *http.Client
	logger     *zap.Logger
}

func NewWhatsAppDeliverer(gatewayURL, apiToken string, timeout time.Duration, logger *zap.Logger) *WhatsAppDeliverer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WhatsAppDeliverer{
		gatewayURL: gatewayURL,
		apiToken:   apiToken,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "whatsapp_deliverer")),
	}
}

func (d *WhatsAppDeliverer) Source() store.SourceType { return store.SourceWhatsApp }

func (d *WhatsAppDeliverer) Deliver(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to gateway: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}

	d.logger.Debug("reply delivered",
		zap.String("chat_id", chatID),
		zap.Int("length", len(text)),
	)
	return nil
}

// PortalDeliverer is the in-app channel. Replies are already persisted as
// messages and portal clients poll the transcript, so delivery is just an
// acknowledgement.
type PortalDeliverer struct {
	logger *zap.Logger
}

func NewPortalDeliverer(logger *zap.Logger) *PortalDeliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortalDeliverer{logger: logger.With(zap.String("component", "portal_deliverer"))}
}

func (d *PortalDeliverer) Source() store.SourceType { return store.SourcePortal }

func (d *PortalDeliverer) Deliver(ctx context.Context, chatID, text string) error {
	d.logger.Debug("portal reply ready", zap.String("chat_id", chatID))
	return nil
}
