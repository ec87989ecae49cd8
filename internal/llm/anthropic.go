package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

const (
	defaultBaseURL      = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicConfig configures AnthropicClient.
type AnthropicConfig struct {
	APIKey            string
	BaseURL           string
	Models            Models
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// AnthropicClient implements Completer over the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	models     Models
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewAnthropicClient creates a client. The API key falls back to
// ANTHROPIC_API_KEY; without one the client reports itself unavailable.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		models:     cfg.Models,
		limiter:    rate.NewLimiter(limit, burst),
		httpClient: cfg.HTTPClient,
	}
}

func (c *AnthropicClient) Available() bool { return c.apiKey != "" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends req as a single user message.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if !c.Available() {
		return nil, schema.NewError(schema.ErrCodeLLMUnavailable, "ANTHROPIC_API_KEY is not set")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, schema.NewError(schema.ErrCodeTimeout, "waiting for llm rate limit").WithCause(err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	model := c.models.For(req.Tier)
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "marshal llm request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "create llm request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		code := schema.ErrCodeExecution
		if ctx.Err() != nil {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewError(code, "send llm request").WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read llm response").WithCause(err)
	}

	var apiResp anthropicResponse
	decodeErr := json.Unmarshal(data, &apiResp)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if decodeErr == nil && apiResp.Error != nil {
			msg = fmt.Sprintf("%s: %s", apiResp.Error.Type, apiResp.Error.Message)
		}
		code := schema.ErrCodeValidation
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "anthropic API status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode llm response").WithCause(decodeErr)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if apiResp.Model != "" {
		model = apiResp.Model
	}
	return &Completion{
		Text:       text.String(),
		TokensUsed: apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		Model:      model,
	}, nil
}
