package autoresponse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

func newAgent(baseURL string) *store.Agent {
	return &store.Agent{
		ID:      1,
		Name:    "support",
		Model:   "test-model",
		BaseURL: baseURL,
		Active:  true,
	}
}

func completionServer(t *testing.T, handler func(req chatRequest) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		status, body := handler(req)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLLMResponder(t *testing.T) {
	t.Run("returns trimmed completion text", func(t *testing.T) {
		srv := completionServer(t, func(req chatRequest) (int, string) {
			if req.Model != "test-model" {
				t.Errorf("wrong model: %s", req.Model)
			}
			return 200, `{"choices":[{"message":{"content":"  generated text \n"}}]}`
		})

		resolver := NewHTTPResolver("test-key", testLogger())
		responder, err := resolver.Resolve(newAgent(srv.URL))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}

		got, err := responder.Respond(context.Background(), "hello", nil, "")
		if err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if got != "generated text" {
			t.Errorf("unexpected reply: %q", got)
		}
	})

	t.Run("history becomes alternating roles", func(t *testing.T) {
		srv := completionServer(t, func(req chatRequest) (int, string) {
			if len(req.Messages) != 4 {
				t.Fatalf("expected 4 messages (system+2 history+user), got %d", len(req.Messages))
			}
			if req.Messages[0].Role != "system" {
				t.Errorf("first message not system: %s", req.Messages[0].Role)
			}
			if req.Messages[1].Role != "user" || req.Messages[2].Role != "assistant" {
				t.Errorf("history roles wrong: %s, %s", req.Messages[1].Role, req.Messages[2].Role)
			}
			if req.Messages[3].Content != "follow-up" {
				t.Errorf("inbound message lost: %s", req.Messages[3].Content)
			}
			return 200, `{"choices":[{"message":{"content":"ok"}}]}`
		})

		resolver := NewHTTPResolver("test-key", testLogger())
		responder, _ := resolver.Resolve(newAgent(srv.URL))

		history := []ContextMessage{
			{Body: "customer question", Timestamp: time.Now().Add(-time.Minute)},
			{Body: "previous answer", FromSelf: true, Timestamp: time.Now()},
		}
		if _, err := responder.Respond(context.Background(), "follow-up", history, ""); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	})

	t.Run("prompt override replaces the system prompt", func(t *testing.T) {
		srv := completionServer(t, func(req chatRequest) (int, string) {
			if req.Messages[0].Content != "always answer in French" {
				t.Errorf("override not applied: %s", req.Messages[0].Content)
			}
			return 200, `{"choices":[{"message":{"content":"oui"}}]}`
		})

		resolver := NewHTTPResolver("test-key", testLogger())
		responder, _ := resolver.Resolve(newAgent(srv.URL))
		if _, err := responder.Respond(context.Background(), "hi", nil, "always answer in French"); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	})

	t.Run("API errors surface", func(t *testing.T) {
		srv := completionServer(t, func(req chatRequest) (int, string) {
			return 429, `{"error":{"message":"rate limited","type":"rate_limit"}}`
		})

		resolver := NewHTTPResolver("test-key", testLogger())
		responder, _ := resolver.Resolve(newAgent(srv.URL))
		if _, err := responder.Respond(context.Background(), "hi", nil, ""); err == nil {
			t.Fatal("expected error for non-200 status")
		}
	})

	t.Run("empty choices is an error", func(t *testing.T) {
		srv := completionServer(t, func(req chatRequest) (int, string) {
			return 200, `{"choices":[]}`
		})

		resolver := NewHTTPResolver("test-key", testLogger())
		responder, _ := resolver.Resolve(newAgent(srv.URL))
		if _, err := responder.Respond(context.Background(), "hi", nil, ""); err == nil {
			t.Fatal("expected error for empty choices")
		}
	})

	t.Run("missing API key fails fast", func(t *testing.T) {
		resolver := NewHTTPResolver("", testLogger())
		responder, err := resolver.Resolve(newAgent("http://unused.invalid"))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if _, err := responder.Respond(context.Background(), "hi", nil, ""); err == nil {
			t.Fatal("expected error without API key")
		}
	})
}

func TestResolver(t *testing.T) {
	t.Run("inactive agent rejected", func(t *testing.T) {
		resolver := NewHTTPResolver("k", testLogger())
		if _, err := resolver.Resolve(&store.Agent{ID: 1, Name: "a", Active: false}); err == nil {
			t.Fatal("expected error for inactive agent")
		}
	})

	t.Run("responders are cached per agent", func(t *testing.T) {
		resolver := NewHTTPResolver("k", testLogger())
		a := newAgent("http://a.invalid")
		r1, err := resolver.Resolve(a)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		r2, err := resolver.Resolve(a)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if r1 != r2 {
			t.Error("expected the same responder instance")
		}
	})

	t.Run("re-resolve refreshes the agent definition", func(t *testing.T) {
		srv := completionServer(t, func(req chatRequest) (int, string) {
			if req.Model != "updated-model" {
				t.Errorf("stale model used: %s", req.Model)
			}
			return 200, `{"choices":[{"message":{"content":"ok"}}]}`
		})

		resolver := NewHTTPResolver("test-key", testLogger())
		first := newAgent(srv.URL)
		r1, err := resolver.Resolve(first)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}

		updated := newAgent(srv.URL)
		updated.Model = "updated-model"
		r2, err := resolver.Resolve(updated)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if r1 != r2 {
			t.Fatal("expected the cached responder instance")
		}
		if _, err := r2.Respond(context.Background(), "hi", nil, ""); err != nil {
			t.Fatalf("Respond: %v", err)
		}

		disabled := newAgent(srv.URL)
		disabled.Active = true
		r3, _ := resolver.Resolve(disabled)
		disabled.Active = false
		if r3.IsActive() {
			t.Error("responder should track the latest definition's active flag")
		}
	})
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Errorf("truncate = %q", got)
	}
}
