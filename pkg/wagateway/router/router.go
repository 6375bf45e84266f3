// Package router receives inbound message events from account event loops,
// filters out noise, deduplicates by message id, and hands qualifying
// messages to the auto-response engine without blocking any account's
// event stream.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/adapter"
	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// Engine is the downstream consumer of qualifying messages.
type Engine interface {
	Handle(accountID int64, chatID, body string, at time.Time)
}

// Router filters, deduplicates, and dispatches inbound messages.
type Router struct {
	store  store.Store
	engine Engine
	ledger *Ledger
	logger *slog.Logger

	// queues keeps one dispatch goroutine per account so a slow account
	// never delays another, while messages within an account stay ordered.
	mu     sync.Mutex
	queues map[int64]chan queuedMessage
	closed bool
	wg     sync.WaitGroup
}

type queuedMessage struct {
	chatID string
	body   string
	at     time.Time
}

// queueDepth bounds each account's dispatch queue.
const queueDepth = 64

// New creates a Router.
func New(st store.Store, engine Engine, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  st,
		engine: engine,
		ledger: NewLedger(),
		logger: logger.With("component", "router"),
		queues: make(map[int64]chan queuedMessage),
	}
}

// Ledger exposes the dedup ledger for persistence jobs.
func (r *Router) Ledger() *Ledger {
	return r.ledger
}

// Handle is the registry's message callback. It runs on the account's event
// loop, so everything here is quick: filter, dedup, enqueue.
func (r *Router) Handle(accountID int64, msg *adapter.Message) {
	if msg.FromSelf || msg.Broadcast {
		return
	}

	if r.ledger.Seen(accountID, msg.ChatID, msg.ID) {
		r.logger.Debug("duplicate message dropped",
			"account_id", accountID, "chat_id", msg.ChatID, "message_id", msg.ID)
		return
	}

	account, err := r.store.GetAccount(context.Background(), accountID)
	if err != nil {
		r.logger.Warn("account lookup failed, dropping message",
			"account_id", accountID, "error", err)
		return
	}
	if !account.AutoResponseEnabled || account.AssignedAgentID == nil {
		return
	}
	agent, err := r.store.GetAgent(context.Background(), *account.AssignedAgentID)
	if err != nil || !agent.Active {
		return
	}
	if !matchesTrigger(agent.TriggerKeywords, msg.Body) {
		return
	}

	r.enqueue(accountID, queuedMessage{chatID: msg.ChatID, body: msg.Body, at: msg.Timestamp})
}

// enqueue puts the message on the account's dispatch queue, creating the
// queue worker on first use. Full queues drop the newest message: late
// auto-responses are worse than none.
func (r *Router) enqueue(accountID int64, qm queuedMessage) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	q, ok := r.queues[accountID]
	if !ok {
		q = make(chan queuedMessage, queueDepth)
		r.queues[accountID] = q
		r.wg.Add(1)
		go r.dispatch(accountID, q)
	}
	r.mu.Unlock()

	select {
	case q <- qm:
	default:
		r.logger.Warn("dispatch queue full, dropping message",
			"account_id", accountID, "chat_id", qm.chatID)
	}
}

// dispatch drains one account's queue in order.
func (r *Router) dispatch(accountID int64, q <-chan queuedMessage) {
	defer r.wg.Done()
	for qm := range q {
		r.engine.Handle(accountID, qm.chatID, qm.body, qm.at)
	}
}

// Forget drops the dedup state and queue for a deleted account.
func (r *Router) Forget(accountID int64) {
	r.ledger.Forget(accountID)
	r.mu.Lock()
	if q, ok := r.queues[accountID]; ok {
		delete(r.queues, accountID)
		close(q)
	}
	r.mu.Unlock()
}

// Close shuts down all dispatch queues and waits for in-flight handoffs.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, q := range r.queues {
		delete(r.queues, id)
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// matchesTrigger reports whether the body matches the agent's trigger
// keywords. No keywords means every message qualifies.
func matchesTrigger(keywords []string, body string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(body)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
