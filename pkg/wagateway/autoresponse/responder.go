// responder.go defines the AgentResponder capability and its HTTP
// implementation. The wire format is the OpenAI-compatible chat completions
// API, which covers OpenAI, Anthropic proxies, and self-hosted endpoints.
package autoresponse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// ContextMessage is one entry of the bounded conversation context handed to
// a responder.
type ContextMessage struct {
	FromSelf  bool
	Body      string
	Timestamp time.Time
}

// AgentResponder generates a reply for an inbound message.
type AgentResponder interface {
	// Respond returns generated text for the message given recent
	// conversation context. promptOverride, when non-empty, replaces the
	// agent's default system prompt.
	Respond(ctx context.Context, message string, history []ContextMessage, promptOverride string) (string, error)

	// IsActive reports whether the responder is currently usable.
	IsActive() bool
}

// Resolver maps an agent definition to a responder capability.
type Resolver interface {
	Resolve(agent *store.Agent) (AgentResponder, error)
}

// ---------- HTTP responder ----------

// LLMResponder calls an OpenAI-compatible chat completions endpoint.
type LLMResponder struct {
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	// agent is refreshed on every Resolve while Respond may be in flight
	// for another account sharing the same agent.
	mu    sync.Mutex
	agent *store.Agent
}

func (l *LLMResponder) setAgent(a *store.Agent) {
	l.mu.Lock()
	l.agent = a
	l.mu.Unlock()
}

func (l *LLMResponder) currentAgent() *store.Agent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.agent
}

// NewHTTPResolver creates a resolver using the given API key for all agents.
func NewHTTPResolver(apiKey string, logger *slog.Logger) *HTTPResolverImpl {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolverImpl{
		apiKey: apiKey,
		logger: logger.With("component", "responder"),
		cache:  make(map[int64]*LLMResponder),
	}
}

// HTTPResolverImpl caches responders per agent id.
type HTTPResolverImpl struct {
	apiKey string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[int64]*LLMResponder
}

// Resolve returns the cached responder for an agent, building it on first
// use. Inactive agents resolve to an error.
func (r *HTTPResolverImpl) Resolve(agent *store.Agent) (AgentResponder, error) {
	if agent == nil || !agent.Active {
		return nil, fmt.Errorf("agent inactive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if resp, ok := r.cache[agent.ID]; ok {
		resp.setAgent(agent)
		return resp, nil
	}

	resp := &LLMResponder{
		agent:  agent,
		apiKey: r.apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: r.logger.With("agent", agent.Name),
	}
	r.cache[agent.ID] = resp
	return resp, nil
}

// ---------- Wire types (OpenAI-compatible) ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// IsActive reports whether the underlying agent is enabled.
func (l *LLMResponder) IsActive() bool {
	agent := l.currentAgent()
	return agent != nil && agent.Active
}

// Respond sends a chat completion request built from the conversation
// context and returns the generated text.
func (l *LLMResponder) Respond(ctx context.Context, message string, history []ContextMessage, promptOverride string) (string, error) {
	if l.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}
	agent := l.currentAgent()

	system := promptOverride
	if system == "" {
		system = fmt.Sprintf(
			"You are %s, an assistant answering chat messages on behalf of a business. Reply briefly and helpfully in the language of the message.",
			agent.Name)
	}

	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: system})
	for _, h := range history {
		role := "user"
		if h.FromSelf {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: h.Body})
	}
	messages = append(messages, chatMessage{Role: "user", Content: message})

	baseURL := strings.TrimRight(agent.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	bodyBytes, err := json.Marshal(chatRequest{Model: agent.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	start := time.Now()
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	l.logger.Info("completion done",
		"model", agent.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens)

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
