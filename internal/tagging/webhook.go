package tagging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/sessiond/internal/storage"
)

// WebhookTagger posts each conversation to an HTTP endpoint.
type WebhookTagger struct {
	url        string
	httpClient *http.Client
}

func NewWebhookTagger(url string) *WebhookTagger {
	return &WebhookTagger{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type webhookRequest struct {
	ConversationID string `json:"conversation_id"`
	SessionKey     string `json:"session_key"`
	AgentType      string `json:"agent_type,omitempty"`
	Status         string `json:"status"`
	MessageCount   int    `json:"message_count"`
}

// Tag sends the conversation reference. Any non-2xx response is an error
// so the job is retried.
func (t *WebhookTagger) Tag(ctx context.Context, conv *storage.Conversation) error {
	body, err := json.Marshal(webhookRequest{
		ConversationID: conv.ID,
		SessionKey:     conv.SessionKey,
		AgentType:      conv.AgentType,
		Status:         conv.Status,
		MessageCount:   conv.MessageCount,
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
