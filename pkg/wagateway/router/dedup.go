// dedup.go implements the per-account processed-message ledger. It is
// advisory: losing it costs at most one duplicate auto-response.
package router

import (
	"sync"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// maxChatsPerAccount bounds ledger size per account; the least recently
// touched chat is evicted first.
const maxChatsPerAccount = 256

type chatRecord struct {
	lastMessageID   string
	lastProcessedAt time.Time
}

// Ledger tracks the last processed message id per (account, chat).
type Ledger struct {
	mu       sync.Mutex
	accounts map[int64]map[string]*chatRecord
	maxChats int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[int64]map[string]*chatRecord),
		maxChats: maxChatsPerAccount,
	}
}

// Seen records a message and reports whether it was already processed.
// The record is updated on first sight, so delivering the same id twice
// returns false then true.
func (l *Ledger) Seen(accountID int64, chatID, messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	chats, ok := l.accounts[accountID]
	if !ok {
		chats = make(map[string]*chatRecord)
		l.accounts[accountID] = chats
	}

	if rec, ok := chats[chatID]; ok {
		if rec.lastMessageID == messageID {
			return true
		}
		rec.lastMessageID = messageID
		rec.lastProcessedAt = time.Now()
		return false
	}

	if len(chats) >= l.maxChats {
		l.evictOldest(chats)
	}
	chats[chatID] = &chatRecord{
		lastMessageID:   messageID,
		lastProcessedAt: time.Now(),
	}
	return false
}

// evictOldest drops the least recently processed chat. Caller holds the lock.
func (l *Ledger) evictOldest(chats map[string]*chatRecord) {
	var (
		oldestID string
		oldestAt time.Time
		first    = true
	)
	for id, rec := range chats {
		if first || rec.lastProcessedAt.Before(oldestAt) {
			oldestID, oldestAt = id, rec.lastProcessedAt
			first = false
		}
	}
	delete(chats, oldestID)
}

// Forget removes all records for an account (called on account deletion).
func (l *Ledger) Forget(accountID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, accountID)
}

// Snapshot exports every record for best-effort persistence.
func (l *Ledger) Snapshot() []store.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []store.LedgerEntry
	for accountID, chats := range l.accounts {
		for chatID, rec := range chats {
			entries = append(entries, store.LedgerEntry{
				AccountID:       accountID,
				ChatID:          chatID,
				LastMessageID:   rec.lastMessageID,
				LastProcessedAt: rec.lastProcessedAt,
			})
		}
	}
	return entries
}

// Restore seeds the ledger from persisted entries, skipping any chat that
// already has a fresher in-memory record.
func (l *Ledger) Restore(entries []store.LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range entries {
		chats, ok := l.accounts[e.AccountID]
		if !ok {
			chats = make(map[string]*chatRecord)
			l.accounts[e.AccountID] = chats
		}
		if rec, ok := chats[e.ChatID]; ok && rec.lastProcessedAt.After(e.LastProcessedAt) {
			continue
		}
		chats[e.ChatID] = &chatRecord{
			lastMessageID:   e.LastMessageID,
			lastProcessedAt: e.LastProcessedAt,
		}
	}
}
