package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"fosterline/internal/config"

	"github.com/hashicorp/go-retryablehttp"
)

// ProviderTransport sends through an HTTP email provider API. The
// retryable client absorbs connection-level flakiness; HTTP 4xx responses
// are surfaced as permanent errors so the dispatcher does not retry them.
type ProviderTransport struct {
	client  *retryablehttp.Client
	baseURL string
	apiKey  string
}

type providerSendRequest struct {
	To       string `json:"to"`
	ToName   string `json:"to_name,omitempty"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}

type providerSendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func NewProviderTransport(cfg config.ProviderConfig) *ProviderTransport {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.Logger = nil
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &ProviderTransport{
		client:  client,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

func (t *ProviderTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	payload, err := json.Marshal(providerSendRequest{
		To:       msg.ToEmail,
		ToName:   msg.ToName,
		Subject:  msg.Subject,
		HTMLBody: msg.BodyHTML,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode send request: %w", err))
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, t.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed providerSendResponse
	_ = json.Unmarshal(body, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{ProviderMessageID: parsed.MessageID}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, Permanent(fmt.Errorf("provider rejected message (%d): %s", resp.StatusCode, firstNonEmpty(parsed.Error, string(body))))
	default:
		return nil, fmt.Errorf("provider error (%d): %s", resp.StatusCode, firstNonEmpty(parsed.Error, string(body)))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
