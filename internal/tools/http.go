package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// HTTPConfig configures the outbound HTTP used by webhook and provider tools.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	Timeout         time.Duration
}

const (
	defaultMaxResponseBody = 2 * 1024 * 1024 // 2MB
	defaultHTTPTimeout     = 30 * time.Second
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultHTTPTimeout
	}
	return c
}

type httpResponse struct {
	StatusCode int
	Body       any
}

// doJSON performs one request with an optional JSON body and decodes a JSON
// response when the content type says so. Transport failures come back as
// EXECUTION errors so callers can retry them.
func doJSON(ctx context.Context, cfg HTTPConfig, method, url string, headers map[string]string, body any) (*httpResponse, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "request body is not JSON-encodable").WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid request to %s", url).WithCause(err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		code := schema.ErrCodeExecution
		if reqCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "%s %s failed", method, url).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "reading response from %s", url).WithCause(err)
	}

	out := &httpResponse{StatusCode: resp.StatusCode}
	if len(raw) == 0 {
		return out, nil
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			out.Body = parsed
			return out, nil
		}
	}
	out.Body = string(raw)
	return out, nil
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
