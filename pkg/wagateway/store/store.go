// Package store provides durable persistence for accounts, external agents,
// and the dedup ledger snapshot. A single SQLite database backs everything;
// per-account whatsmeow session containers live in separate files referenced
// by Account.SessionPath.
package store

import (
	"context"
	"fmt"
	"time"
)

// Status is the persisted connection status of an account.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusPendingAuth   Status = "pending_auth"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusDisconnected  Status = "disconnected"
	StatusError         Status = "error"
)

// Account is one messaging tenant. Connection behavior is driven by Status,
// AutoResponseEnabled, AssignedAgentID, ResponseDelaySeconds and
// CustomPromptOverride; the rest is descriptive metadata.
type Account struct {
	ID                   int64
	Status               Status
	OwnerName            string
	OwnerPhone           string
	Description          string
	AutoResponseEnabled  bool
	AssignedAgentID      *int64
	ResponseDelaySeconds int
	CustomPromptOverride string
	SessionPath          string
	LastActivityAt       time.Time
	ConnectionAttempts   int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Agent is an external responder definition. The gateway only resolves it to
// a capability; it does not own the provider lifecycle.
type Agent struct {
	ID                int64
	Name              string
	Provider          string
	BaseURL           string
	Model             string
	Active            bool
	TriggerKeywords   []string
	ResponseDelayHint int
}

// LedgerEntry is one persisted dedup record. Loss is tolerable: at worst a
// duplicate auto-response, never a crash.
type LedgerEntry struct {
	AccountID       int64
	ChatID          string
	LastMessageID   string
	LastProcessedAt time.Time
}

// Store is the narrow persistence contract the gateway core depends on.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	CreateAccount(ctx context.Context, a *Account) error
	UpdateAccount(ctx context.Context, a *Account) error

	// UpdateStatus persists a status transition. The in-memory state machine
	// only considers a transition complete after this returns nil.
	UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error

	// UpdateActivity records keep-alive bookkeeping.
	UpdateActivity(ctx context.Context, id int64, lastActivity time.Time, attempts int) error

	DeleteAccount(ctx context.Context, id int64) error
	DeleteAllAccounts(ctx context.Context) error

	GetAgent(ctx context.Context, id int64) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SaveAgent(ctx context.Context, a *Agent) error

	SaveLedger(ctx context.Context, entries []LedgerEntry) error

	// LoadLedger returns persisted dedup records for one account, or for
	// every account when accountID is not positive.
	LoadLedger(ctx context.Context, accountID int64) ([]LedgerEntry, error)
	PruneLedger(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// ErrNotFound is returned when an account or agent does not exist.
var ErrNotFound = fmt.Errorf("store: not found")
