package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
)

// sensitiveHeaders are stripped from the recorded request so credentials
// never reach the audit trail. The live request still carries them.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"api-key":             {},
	"x-auth-token":        {},
}

const redacted = "[REDACTED]"

func redactHeaders(h map[string]string) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
			out[k] = redacted
		} else {
			out[k] = v
		}
	}
	return out
}

// HTTPClient performs audited JSON requests. One per HTTP transform
// instance; the timeout comes from that transform's settings.
type HTTPClient struct {
	client  *http.Client
	auditor *Auditor
	name    string // provider tag used in error classification
}

func NewHTTPClient(auditor *Auditor, name string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		auditor: auditor,
		name:    name,
	}
}

// HTTPResult is the normalised response recorded and returned.
type HTTPResult struct {
	Status int            `json:"status"`
	Body   map[string]any `json:"body"`
}

// DoJSON sends body as JSON and decodes a JSON response, recording the
// call under parent. Non-2xx statuses become classified errors (429/503
// as capacity pushback); transport failures become retryable network
// errors. Either way the attempt is recorded.
func (c *HTTPClient) DoJSON(ctx context.Context, parent landscape.CallParent, method, url string, headers map[string]string, body map[string]any) (HTTPResult, model.Call, error) {
	recordedReq := map[string]any{
		"method":  method,
		"url":     url,
		"headers": redactHeaders(headers),
		"body":    body,
	}

	resp, call, err := c.auditor.Call(ctx, parent, model.CallHTTP, recordedReq, func(ctx context.Context) (any, error) {
		return c.do(ctx, method, url, headers, body)
	})
	if err != nil {
		return HTTPResult{}, call, err
	}
	return resp.(HTTPResult), call, nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, headers map[string]string, body map[string]any) (HTTPResult, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return HTTPResult{}, &ConfigurationError{Message: fmt.Sprintf("request body not encodable: %v", err)}
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return HTTPResult{}, &ConfigurationError{Message: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are retryable network errors.
		return HTTPResult{}, NewNetworkError(c.name, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return HTTPResult{}, NewNetworkError(c.name, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		retryAfter := ParseRetryAfter(httpResp.Header.Get("Retry-After"), time.Now())
		return HTTPResult{}, ErrorFromHTTPStatus(c.name, httpResp.StatusCode, strings.TrimSpace(string(raw)), retryAfter)
	}

	result := HTTPResult{Status: httpResp.StatusCode, Body: map[string]any{}}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result.Body); err != nil {
			return HTTPResult{}, ErrorFromHTTPStatus(c.name, httpResp.StatusCode, "response is not a JSON object", nil)
		}
	}
	return result, nil
}
