package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

const webhookInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {}
  },
  "required": ["url"]
}`

// WebhookTool implements "webhook.post": POST a JSON body to a URL.
type WebhookTool struct {
	cfg HTTPConfig
}

// NewWebhookTool creates the webhook.post tool.
func NewWebhookTool(cfg HTTPConfig) *WebhookTool {
	return &WebhookTool{cfg: cfg.withDefaults()}
}

func (w *WebhookTool) Name() string { return "webhook.post" }

func (w *WebhookTool) Schema() Schema {
	return Schema{
		Description: "POST a JSON payload to an external webhook.",
		InputSchema: json.RawMessage(webhookInputSchema),
	}
}

func (w *WebhookTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	rawURL := stringParam(input, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Fail("invalid url %q", rawURL), nil
	}

	headers := map[string]string{}
	for k, v := range mapParam(input, "headers") {
		headers[k] = fmt.Sprintf("%v", v)
	}

	resp, err := doJSON(ctx, w.cfg, http.MethodPost, rawURL, headers, input["body"])
	if err != nil {
		return nil, err
	}
	if isTransientStatus(resp.StatusCode) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return &Result{
			Success: false,
			Data:    map[string]any{"status_code": resp.StatusCode, "body": resp.Body},
			Error:   fmt.Sprintf("webhook returned %d", resp.StatusCode),
		}, nil
	}
	return OK(map[string]any{"status_code": resp.StatusCode, "body": resp.Body}), nil
}
