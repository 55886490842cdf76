package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxWebhookResponseBytes = 1 << 20

// Webhook forwards tool calls to an HTTP endpoint as
// {"name": ..., "arguments": {...}} and expects a JSON object back.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewWebhook(url, token string, httpClient *http.Client) *Webhook {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Webhook{
		url:        strings.TrimSpace(url),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (w *Webhook) Configured() bool {
	return w != nil && w.url != ""
}

func (w *Webhook) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if !w.Configured() {
		return nil, fmt.Errorf("%w: %q (no webhook configured)", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > maxWebhookResponseBytes {
		return nil, fmt.Errorf("response exceeds maximum size %d bytes", maxWebhookResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
