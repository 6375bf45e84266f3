// Package autoresponse turns qualified inbound messages into agent-generated
// replies. The engine resolves the account's assigned agent, gathers a
// bounded slice of recent conversation context, asks the responder for text,
// and schedules the outbound send after the account's configured delay.
// Scheduled sends are cancellable so that disabling auto-response or
// deleting an account never fires a stale reply.
package autoresponse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvallejos/wagateway/pkg/wagateway/adapter"
	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// Sender is the slice of the session registry the engine needs: sending a
// message through a live account and reading recent chat history for
// context. The registry implements it.
type Sender interface {
	SendMessage(ctx context.Context, accountID int64, chatID, text string) (string, error)
	FetchMessages(ctx context.Context, accountID int64, chatID string, limit int) ([]adapter.Message, error)
}

// Config holds engine tunables.
type Config struct {
	// ContextMessages is how many recent messages are handed to the
	// responder as conversation context.
	ContextMessages int `yaml:"context_messages"`

	// ResponseTimeout bounds a single generation call.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// DefaultDelay applies when neither the account nor the agent sets a
	// response delay.
	DefaultDelay time.Duration `yaml:"default_delay"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		ContextMessages: 10,
		ResponseTimeout: 2 * time.Minute,
		DefaultDelay:    3 * time.Second,
	}
}

// Engine generates and schedules auto-responses.
type Engine struct {
	cfg      Config
	store    store.Store
	sender   Sender
	resolver Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSend
	closed  bool
}

type pendingSend struct {
	accountID int64
	chatID    string
	timer     *time.Timer
}

// New creates an engine.
func New(cfg Config, st store.Store, sender Sender, resolver Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = DefaultConfig().ContextMessages
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultConfig().ResponseTimeout
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		sender:   sender,
		resolver: resolver,
		logger:   logger.With("component", "autoresponse"),
		pending:  make(map[string]*pendingSend),
	}
}

// Handle processes one qualified inbound message. It is called from the
// router's per-account dispatch goroutine, so a slow responder stalls only
// its own account.
func (e *Engine) Handle(accountID int64, chatID, body string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ResponseTimeout)
	defer cancel()

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		e.logger.Warn("account lookup failed", "account", accountID, "error", err)
		return
	}
	if !account.AutoResponseEnabled || account.AssignedAgentID == nil {
		return
	}

	agent, err := e.store.GetAgent(ctx, *account.AssignedAgentID)
	if err != nil {
		e.logger.Warn("agent lookup failed", "account", accountID, "agent", *account.AssignedAgentID, "error", err)
		return
	}

	responder, err := e.resolver.Resolve(agent)
	if err != nil {
		e.logger.Warn("responder unavailable", "account", accountID, "agent", agent.Name, "error", err)
		return
	}

	history := e.gatherContext(ctx, accountID, chatID)

	reply, err := responder.Respond(ctx, body, history, account.CustomPromptOverride)
	if err != nil {
		e.logger.Warn("generation failed", "account", accountID, "chat", chatID, "error", err)
		return
	}
	if reply == "" {
		return
	}

	e.schedule(account, agent, chatID, reply)
}

// gatherContext reads recent messages for the chat, oldest first. Failure to
// fetch history degrades to an empty context rather than dropping the reply.
func (e *Engine) gatherContext(ctx context.Context, accountID int64, chatID string) []ContextMessage {
	msgs, err := e.sender.FetchMessages(ctx, accountID, chatID, e.cfg.ContextMessages)
	if err != nil {
		e.logger.Debug("context fetch failed", "account", accountID, "chat", chatID, "error", err)
		return nil
	}
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ContextMessage{
			FromSelf:  m.FromSelf,
			Body:      m.Body,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

// schedule queues the outbound send after the configured delay. The task is
// registered so CancelAccount and Close can stop it before it fires.
func (e *Engine) schedule(account *store.Account, agent *store.Agent, chatID, reply string) {
	delay := e.cfg.DefaultDelay
	if account.ResponseDelaySeconds > 0 {
		delay = time.Duration(account.ResponseDelaySeconds) * time.Second
	} else if agent.ResponseDelayHint > 0 {
		delay = time.Duration(agent.ResponseDelayHint) * time.Second
	}

	taskID := uuid.NewString()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	task := &pendingSend{accountID: account.ID, chatID: chatID}
	task.timer = time.AfterFunc(delay, func() {
		e.fire(taskID, account.ID, chatID, reply)
	})
	e.pending[taskID] = task
	e.mu.Unlock()

	e.logger.Info("response scheduled",
		"account", account.ID, "chat", chatID, "agent", agent.Name, "delay", delay)
}

func (e *Engine) fire(taskID string, accountID int64, chatID, reply string) {
	e.mu.Lock()
	_, live := e.pending[taskID]
	delete(e.pending, taskID)
	e.mu.Unlock()
	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.sender.SendMessage(ctx, accountID, chatID, reply); err != nil {
		e.logger.Warn("send failed", "account", accountID, "chat", chatID, "error", err)
		return
	}
	e.logger.Info("response sent", "account", accountID, "chat", chatID)
}

// CancelAccount drops every pending send for the account. Called when
// auto-response is disabled or the account is deleted or disconnected.
func (e *Engine) CancelAccount(accountID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, task := range e.pending {
		if task.accountID == accountID {
			task.timer.Stop()
			delete(e.pending, id)
			n++
		}
	}
	return n
}

// PendingCount reports how many sends are scheduled, optionally filtered by
// account (pass a negative id for all).
func (e *Engine) PendingCount(accountID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if accountID < 0 {
		return len(e.pending)
	}
	n := 0
	for _, task := range e.pending {
		if task.accountID == accountID {
			n++
		}
	}
	return n
}

// Close cancels all pending sends. Subsequent Handle calls still generate
// but never schedule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for id, task := range e.pending {
		task.timer.Stop()
		delete(e.pending, id)
	}
	return nil
}
