package clients

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vsavkov/elspeth/internal/model"
)

type stubAdapter struct {
	name string
	resp LLMResponse
	err  error
	got  *LLMRequest
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	s.got = &req
	return s.resp, s.err
}

func TestLLMRequest_Validate(t *testing.T) {
	cases := []struct {
		name string
		req  LLMRequest
		ok   bool
	}{
		{"valid", LLMRequest{Model: "m", Prompt: "p"}, true},
		{"empty prompt", LLMRequest{Model: "m"}, false},
		{"blank prompt", LLMRequest{Model: "m", Prompt: "   "}, false},
		{"no model", LLMRequest{Prompt: "p"}, false},
	}
	for _, tc := range cases {
		err := tc.req.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("%s: err=%v, want ConfigurationError", tc.name, err)
			}
		}
	}
}

func TestLLMClient_DefaultProviderDispatch(t *testing.T) {
	ls, _, parent := newCallParent(t)
	c := NewLLMClient(NewAuditor(ls))
	adapter := &stubAdapter{
		name: "Mock",
		resp: LLMResponse{Provider: "mock", Model: "m", Text: "hi", CompletionTokens: 2},
	}
	c.Register(adapter)

	resp, call, err := c.Complete(context.Background(), parent, LLMRequest{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Text != "hi" {
		t.Fatalf("resp=%+v", resp)
	}
	// The blank provider resolved to the lowercased default before dispatch.
	if adapter.got == nil || adapter.got.Provider != "mock" {
		t.Fatalf("adapter saw %+v", adapter.got)
	}
	if call.CallType != model.CallLLM || call.Status != model.CallSuccess {
		t.Fatalf("call=%+v", call)
	}
}

func TestLLMClient_UnknownProvider(t *testing.T) {
	ls, _, parent := newCallParent(t)
	c := NewLLMClient(NewAuditor(ls))
	c.Register(&stubAdapter{name: "mock"})

	_, _, err := c.Complete(context.Background(), parent, LLMRequest{
		Provider: "nonexistent", Model: "m", Prompt: "p",
	})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want ConfigurationError", err)
	}
}

func TestLLMClient_NoProviderConfigured(t *testing.T) {
	ls, _, parent := newCallParent(t)
	c := NewLLMClient(NewAuditor(ls))

	_, _, err := c.Complete(context.Background(), parent, LLMRequest{Model: "m", Prompt: "p"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want ConfigurationError", err)
	}
}

func TestLLMClient_MiddlewareRewriteIsRecorded(t *testing.T) {
	ls, _, parent := newCallParent(t)
	c := NewLLMClient(NewAuditor(ls))
	adapter := &stubAdapter{name: "mock", resp: LLMResponse{Text: "ok"}}
	c.Register(adapter)
	c.Use(MiddlewareFunc(func(req LLMRequest) (LLMRequest, error) {
		req.System = "injected system"
		return req, nil
	}))

	_, call, err := c.Complete(context.Background(), parent, LLMRequest{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if adapter.got.System != "injected system" {
		t.Fatalf("adapter saw pre-middleware request: %+v", adapter.got)
	}
	// The recorded request is the post-middleware one.
	stored, err := ls.Payloads().Get(call.RequestRef)
	if err != nil {
		t.Fatalf("request payload Get error: %v", err)
	}
	var recorded LLMRequest
	if err := json.Unmarshal(stored, &recorded); err != nil {
		t.Fatalf("recorded request not JSON: %v", err)
	}
	if recorded.System != "injected system" {
		t.Fatalf("recorded request=%+v", recorded)
	}
}

func TestLLMClient_MiddlewareErrorAborts(t *testing.T) {
	ls, _, parent := newCallParent(t)
	c := NewLLMClient(NewAuditor(ls))
	adapter := &stubAdapter{name: "mock"}
	c.Register(adapter)
	mwErr := &TemplateError{Template: "system", Message: "bad placeholder"}
	c.Use(MiddlewareFunc(func(req LLMRequest) (LLMRequest, error) {
		return req, mwErr
	}))

	_, _, err := c.Complete(context.Background(), parent, LLMRequest{Model: "m", Prompt: "p"})
	if !errors.Is(err, mwErr) {
		t.Fatalf("err=%v, want middleware error", err)
	}
	if adapter.got != nil {
		t.Fatal("adapter ran despite middleware failure")
	}
}

func TestLLMClient_AdapterErrorRecorded(t *testing.T) {
	ls, _, parent := newCallParent(t)
	c := NewLLMClient(NewAuditor(ls))
	c.Register(&stubAdapter{
		name: "mock",
		err:  ErrorFromHTTPStatus("mock", 500, "internal", nil),
	})

	_, call, err := c.Complete(context.Background(), parent, LLMRequest{Model: "m", Prompt: "p"})
	if err == nil {
		t.Fatal("expected adapter error")
	}
	if !IsRetryable(err) {
		t.Fatalf("500 should be retryable: %v", err)
	}
	if call.Status != model.CallError || call.ErrorJSON == "" {
		t.Fatalf("call=%+v", call)
	}
}
