package clients

import (
	"context"
	"fmt"
	"strings"

	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
)

// LLMRequest is one completion request. Prompt and System are fully
// rendered before the request reaches the client; template failures happen
// upstream and never consume a call_index.
type LLMRequest struct {
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Prompt      string         `json:"prompt"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (r LLMRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return &ConfigurationError{Message: "empty prompt"}
	}
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "no model specified"}
	}
	return nil
}

// LLMResponse is the provider-normalised completion result.
type LLMResponse struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

// ProviderAdapter is one backend the LLM client can dispatch to.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// Middleware observes and may rewrite requests before dispatch, in
// registration order.
type Middleware interface {
	BeforeRequest(req LLMRequest) (LLMRequest, error)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(req LLMRequest) (LLMRequest, error)

func (f MiddlewareFunc) BeforeRequest(req LLMRequest) (LLMRequest, error) { return f(req) }

// LLMClient dispatches completions to registered provider adapters and
// records every call through the auditor.
type LLMClient struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	auditor         *Auditor
}

func NewLLMClient(auditor *Auditor) *LLMClient {
	return &LLMClient{providers: map[string]ProviderAdapter{}, auditor: auditor}
}

func (c *LLMClient) Register(adapter ProviderAdapter) {
	c.providers[strings.ToLower(adapter.Name())] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = strings.ToLower(adapter.Name())
	}
}

func (c *LLMClient) SetDefaultProvider(name string) {
	c.defaultProvider = strings.ToLower(name)
}

// Use appends middleware, applied in registration order.
func (c *LLMClient) Use(mw ...Middleware) {
	c.middleware = append(c.middleware, mw...)
}

// Complete runs one audited completion owned by parent. The recorded
// request is the post-middleware request: what was actually sent is what
// replay verifies against.
func (c *LLMClient) Complete(ctx context.Context, parent landscape.CallParent, req LLMRequest) (LLMResponse, model.Call, error) {
	if err := req.Validate(); err != nil {
		return LLMResponse{}, model.Call{}, err
	}
	prov := strings.ToLower(req.Provider)
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return LLMResponse{}, model.Call{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	adapter, ok := c.providers[prov]
	if !ok {
		return LLMResponse{}, model.Call{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	for _, mw := range c.middleware {
		var err error
		if req, err = mw.BeforeRequest(req); err != nil {
			return LLMResponse{}, model.Call{}, err
		}
	}

	resp, call, err := c.auditor.Call(ctx, parent, model.CallLLM, req, func(ctx context.Context) (any, error) {
		return adapter.Complete(ctx, req)
	})
	if err != nil {
		return LLMResponse{}, call, err
	}
	return resp.(LLMResponse), call, nil
}
