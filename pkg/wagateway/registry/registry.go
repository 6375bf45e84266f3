// Package registry owns the live connection instances of the gateway: one
// per account, at most. It drives each instance through the connection state
// machine, runs its keep-alive prober, and is the single synchronization
// point between operator commands and adapter events.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/adapter"
	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// Config holds registry configuration.
type Config struct {
	// SessionsDir is the directory for per-account session databases.
	SessionsDir string `yaml:"sessions_dir"`

	// DeviceName is shown in the messaging network's linked devices list.
	DeviceName string `yaml:"device_name"`

	// Probe configures the keep-alive prober.
	Probe ProbeConfig `yaml:"probe"`

	// Reconnect configures automatic reconnection after a dead probe.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// QRRotation is how long a QR artifact stays servable. The underlying
	// client rotates codes on roughly this cadence; anything older is stale.
	QRRotation time.Duration `yaml:"qr_rotation"`

	// PhoneCodeTTL is how long an issued phone pairing code stays valid.
	PhoneCodeTTL time.Duration `yaml:"phone_code_ttl"`
}

// ReconnectConfig controls the bounded-retry reconnect policy.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionsDir: "./sessions",
		DeviceName:  "WAGateway",
		Probe:       DefaultProbeConfig(),
		Reconnect: ReconnectConfig{
			Enabled:     true,
			Backoff:     5 * time.Second,
			MaxAttempts: 10,
		},
		QRRotation:   60 * time.Second,
		PhoneCodeTTL: 5 * time.Minute,
	}
}

// MessageHandler receives qualifying inbound messages from account event
// loops. It must not block: slow downstream work is the handler's problem.
type MessageHandler func(accountID int64, msg *adapter.Message)

// DeleteHandler is notified after an account is removed so downstream
// components drop their per-account state: pending auto-responses, dedup
// entries, dispatch queues.
type DeleteHandler func(accountID int64)

// Errors returned by registry operations.
var (
	ErrNotFound = fmt.Errorf("registry: no live connection for account")
	ErrNotReady = fmt.Errorf("registry: connection not ready")
)

// Instance pairs an account with its live adapter client and prober. It is
// owned exclusively by the Registry; holders of a reference across a
// scheduling boundary must re-acquire before issuing adapter calls.
type Instance struct {
	AccountID int64

	client adapter.Client
	prober *Prober

	mu      sync.Mutex
	status  store.Status
	pairing pairingState

	ctx    context.Context
	cancel context.CancelFunc
}

// Status returns the instance's current in-memory status.
func (i *Instance) Status() store.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// getProber returns the prober, nil while initialization is still allocating
// the adapter.
func (i *Instance) getProber() *Prober {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.prober
}

// Registry is the guarded map of account id → live instance.
type Registry struct {
	cfg     Config
	store   store.Store
	factory adapter.Factory
	logger  *slog.Logger

	mu        sync.RWMutex
	instances map[int64]*Instance

	onMessage MessageHandler
	onDelete  DeleteHandler

	// reconnecting guards one reconnect loop per account.
	reconnectMu  sync.Mutex
	reconnecting map[int64]bool

	closed bool
}

// New creates a Registry. Call SetMessageHandler before Initialize if
// inbound messages should reach the auto-response pipeline.
func New(cfg Config, st store.Store, factory adapter.Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reconnect.Backoff == 0 {
		cfg.Reconnect.Backoff = 5 * time.Second
	}
	if cfg.QRRotation == 0 {
		cfg.QRRotation = 60 * time.Second
	}
	if cfg.PhoneCodeTTL == 0 {
		cfg.PhoneCodeTTL = 5 * time.Minute
	}

	return &Registry{
		cfg:          cfg,
		store:        st,
		factory:      factory,
		logger:       logger.With("component", "registry"),
		instances:    make(map[int64]*Instance),
		reconnecting: make(map[int64]bool),
	}
}

// SetMessageHandler wires the inbound message consumer.
func (r *Registry) SetMessageHandler(h MessageHandler) {
	r.onMessage = h
}

// SetDeleteHandler wires the account deletion notification.
func (r *Registry) SetDeleteHandler(h DeleteHandler) {
	r.onDelete = h
}

// Acquire returns the live instance for an account. Lookup only, never
// touches the network.
func (r *Registry) Acquire(accountID int64) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[accountID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	return inst, nil
}

// Initialize brings up a connection for the account. Idempotent: a second
// call while an instance is live returns nil without creating a duplicate.
func (r *Registry) Initialize(ctx context.Context, accountID int64) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("registry closed")
	}
	if _, exists := r.instances[accountID]; exists {
		r.mu.Unlock()
		r.logger.Debug("initialize skipped, instance already live", "account_id", accountID)
		return nil
	}

	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("loading account %d: %w", accountID, err)
	}

	// No instance exists, so an in-flight persisted status is stale: the
	// process crashed or shut down mid-pairing. Normalize to disconnected so
	// the initializing edge stays legal on every boot.
	if staleInFlight(account.Status) {
		if err := r.store.UpdateStatus(ctx, accountID, store.StatusDisconnected, time.Now()); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("recovering stale status for account %d: %w", accountID, err)
		}
		r.logger.Info("stale status recovered",
			"account_id", accountID, "was", account.Status)
		account.Status = store.StatusDisconnected
	}

	instCtx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		AccountID: accountID,
		status:    account.Status,
		ctx:       instCtx,
		cancel:    cancel,
	}
	// Reserve the slot before any I/O so a concurrent Initialize can't race
	// a second adapter into existence.
	r.instances[accountID] = inst
	r.mu.Unlock()

	if err := r.transition(ctx, inst, store.StatusInitializing); err != nil {
		r.release(accountID)
		cancel()
		return err
	}

	sessionPath := account.SessionPath
	if sessionPath == "" {
		sessionPath = filepath.Join(r.cfg.SessionsDir, fmt.Sprintf("%d.db", accountID))
		if err := os.MkdirAll(r.cfg.SessionsDir, 0o755); err != nil {
			r.failInit(ctx, inst, fmt.Errorf("creating sessions dir: %w", err))
			return err
		}
		account.SessionPath = sessionPath
		if err := r.store.UpdateAccount(ctx, account); err != nil {
			r.logger.Warn("failed to persist session path", "account_id", accountID, "error", err)
		}
	}

	client, err := r.factory.New(instCtx, accountID, sessionPath)
	if err != nil {
		r.failInit(ctx, inst, err)
		return fmt.Errorf("allocating adapter for account %d: %w", accountID, err)
	}
	inst.mu.Lock()
	inst.client = client
	inst.prober = NewProber(r, inst, r.cfg.Probe, r.logger)
	inst.mu.Unlock()

	if err := client.Connect(instCtx); err != nil {
		r.failInit(ctx, inst, err)
		return fmt.Errorf("connecting account %d: %w", accountID, err)
	}

	go r.runEvents(inst)

	r.logger.Info("account initialized", "account_id", accountID)
	return nil
}

// Reinitialize clears a terminal error state and reconnects.
func (r *Registry) Reinitialize(ctx context.Context, accountID int64) error {
	if inst, err := r.Acquire(accountID); err == nil {
		r.teardown(ctx, inst, false)
	}
	return r.Initialize(ctx, accountID)
}

// Disconnect tears down the account's connection: prober stopped, adapter
// closed, status persisted, registry slot released.
func (r *Registry) Disconnect(ctx context.Context, accountID int64) error {
	inst, err := r.Acquire(accountID)
	if err != nil {
		return err
	}
	r.teardown(ctx, inst, true)
	return nil
}

// Delete removes the account entirely: connection, session credential,
// persisted row. In-flight pairing is invalidated with the instance.
func (r *Registry) Delete(ctx context.Context, accountID int64) error {
	if inst, err := r.Acquire(accountID); err == nil {
		if inst.client != nil {
			if err := inst.client.Logout(ctx); err != nil {
				r.logger.Warn("logout failed during delete", "account_id", accountID, "error", err)
			}
		}
		r.teardown(ctx, inst, false)
	}

	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.SessionPath != "" {
		if err := os.Remove(account.SessionPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove session file", "account_id", accountID, "error", err)
		}
	}
	if err := r.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	if r.onDelete != nil {
		r.onDelete(accountID)
	}
	return nil
}

// DeleteAll disconnects every account, clears the registry, and purges all
// session blobs. Destructive reset only.
func (r *Registry) DeleteAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	for _, inst := range instances {
		r.teardown(ctx, inst, false)
	}

	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if a.SessionPath != "" {
			if err := os.Remove(a.SessionPath); err != nil && !os.IsNotExist(err) {
				r.logger.Warn("failed to remove session file", "account_id", a.ID, "error", err)
			}
		}
	}
	if err := r.store.DeleteAllAccounts(ctx); err != nil {
		return 0, err
	}
	if r.onDelete != nil {
		for _, a := range accounts {
			r.onDelete(a.ID)
		}
	}

	r.logger.Info("all accounts deleted", "count", len(accounts))
	return len(accounts), nil
}

// Close tears down every live instance without touching persisted accounts.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	for _, inst := range instances {
		r.teardown(ctx, inst, true)
	}
}

// AccountStatus returns the last persisted status. During recovery this is
// deliberately the store's view, not the in-memory one.
func (r *Registry) AccountStatus(ctx context.Context, accountID int64) (store.Status, error) {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return account.Status, nil
}

// SendMessage sends text through a ready connection and returns the message
// id. Any other state rejects with ErrNotReady.
func (r *Registry) SendMessage(ctx context.Context, accountID int64, chatID, text string) (string, error) {
	inst, err := r.Acquire(accountID)
	if err != nil {
		return "", err
	}
	if inst.Status() != store.StatusReady {
		return "", fmt.Errorf("account %d in status %s: %w", accountID, inst.Status(), ErrNotReady)
	}
	return inst.client.SendMessage(ctx, chatID, text)
}

// FetchMessages returns recent messages for a chat, for conversation
// context building.
func (r *Registry) FetchMessages(ctx context.Context, accountID int64, chatID string, limit int) ([]adapter.Message, error) {
	inst, err := r.Acquire(accountID)
	if err != nil {
		return nil, err
	}
	if inst.Status() != store.StatusReady {
		return nil, fmt.Errorf("account %d in status %s: %w", accountID, inst.Status(), ErrNotReady)
	}
	return inst.client.FetchMessages(ctx, chatID, limit)
}

// SetAutoResponse toggles automatic responses for an account.
func (r *Registry) SetAutoResponse(ctx context.Context, accountID int64, enabled bool) error {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	account.AutoResponseEnabled = enabled
	return r.store.UpdateAccount(ctx, account)
}

// AssignAgent points the account at an external agent (nil detaches).
func (r *Registry) AssignAgent(ctx context.Context, accountID int64, agentID *int64) error {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if agentID != nil {
		if _, err := r.store.GetAgent(ctx, *agentID); err != nil {
			return fmt.Errorf("agent %d: %w", *agentID, err)
		}
	}
	account.AssignedAgentID = agentID
	return r.store.UpdateAccount(ctx, account)
}

// Diagnostics reports keep-alive health for an account's live connection.
// Mid-initialization calls, before the prober exists, reject with ErrNotReady.
func (r *Registry) Diagnostics(accountID int64) (ProbeDiagnostics, error) {
	inst, err := r.Acquire(accountID)
	if err != nil {
		return ProbeDiagnostics{}, err
	}
	prober := inst.getProber()
	if prober == nil {
		return ProbeDiagnostics{}, fmt.Errorf("account %d still initializing: %w", accountID, ErrNotReady)
	}
	return prober.Diagnostics(), nil
}

// ---------- Internal ----------

// failInit marks a failed initialization: error status, slot released.
func (r *Registry) failInit(ctx context.Context, inst *Instance, cause error) {
	r.logger.Error("initialization failed",
		"account_id", inst.AccountID, "error", cause)
	if err := r.transition(ctx, inst, store.StatusError); err != nil {
		r.logger.Error("failed to persist error status",
			"account_id", inst.AccountID, "error", err)
	}
	inst.cancel()
	r.release(inst.AccountID)
}

// teardown stops the prober, cancels the event loop, closes the adapter, and
// releases the slot. When persistDisconnect is set and the edge is legal the
// account lands in disconnected.
func (r *Registry) teardown(ctx context.Context, inst *Instance, persistDisconnect bool) {
	if p := inst.getProber(); p != nil {
		p.Stop()
	}
	inst.cancel()
	inst.mu.Lock()
	client := inst.client
	inst.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}

	if persistDisconnect && CanTransition(inst.Status(), store.StatusDisconnected) {
		if err := r.transition(ctx, inst, store.StatusDisconnected); err != nil {
			r.logger.Warn("teardown transition failed",
				"account_id", inst.AccountID, "error", err)
		}
	}
	r.release(inst.AccountID)
	r.logger.Info("connection torn down", "account_id", inst.AccountID)
}

func (r *Registry) release(accountID int64) {
	r.mu.Lock()
	delete(r.instances, accountID)
	r.mu.Unlock()
}

// touchActivity records a successful probe or inbound message.
func (r *Registry) touchActivity(ctx context.Context, accountID int64, attempts int) {
	if err := r.store.UpdateActivity(ctx, accountID, time.Now(), attempts); err != nil {
		r.logger.Warn("failed to persist activity",
			"account_id", accountID, "error", err)
	}
}

// declareDead is called by the prober when the failure threshold is crossed:
// the connection is torn down and, policy permitting, a reconnect loop with
// exponential backoff takes over.
func (r *Registry) declareDead(inst *Instance) {
	ctx := context.Background()
	r.logger.Warn("connection declared dead", "account_id", inst.AccountID)
	r.teardown(ctx, inst, true)

	if r.cfg.Reconnect.Enabled {
		go r.reconnectLoop(inst.AccountID)
	}
}

// reconnectLoop retries Initialize with exponential backoff up to the
// configured cap, then surfaces a terminal error status.
func (r *Registry) reconnectLoop(accountID int64) {
	r.reconnectMu.Lock()
	if r.reconnecting[accountID] {
		r.reconnectMu.Unlock()
		return
	}
	r.reconnecting[accountID] = true
	r.reconnectMu.Unlock()

	defer func() {
		r.reconnectMu.Lock()
		delete(r.reconnecting, accountID)
		r.reconnectMu.Unlock()
	}()

	ctx := context.Background()
	for attempt := 1; ; attempt++ {
		if r.cfg.Reconnect.MaxAttempts > 0 && attempt > r.cfg.Reconnect.MaxAttempts {
			r.logger.Error("max reconnect attempts reached",
				"account_id", accountID, "attempts", attempt-1)
			if err := r.persistStatus(ctx, accountID, store.StatusError); err != nil {
				r.logger.Error("failed to persist error status",
					"account_id", accountID, "error", err)
			}
			return
		}

		backoff := reconnectBackoff(r.cfg.Reconnect.Backoff, attempt)
		r.logger.Info("scheduling reconnect",
			"account_id", accountID, "attempt", attempt, "backoff", backoff)
		time.Sleep(backoff)

		r.touchActivity(ctx, accountID, attempt)
		if err := r.Initialize(ctx, accountID); err != nil {
			r.logger.Warn("reconnect attempt failed",
				"account_id", accountID, "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

// reconnectBackoff doubles the base delay on each attempt, capped at five
// minutes. Shift overflow for absurd attempt counts also lands on the cap.
func reconnectBackoff(base time.Duration, attempt int) time.Duration {
	const maxBackoff = 5 * time.Minute
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// runEvents is the per-account event loop: the only consumer of the
// adapter's event channel, so per-account ordering is preserved.
func (r *Registry) runEvents(inst *Instance) {
	for {
		select {
		case <-inst.ctx.Done():
			return
		case evt, ok := <-inst.client.Events():
			if !ok {
				return
			}
			r.handleEvent(inst, evt)
		}
	}
}

func (r *Registry) handleEvent(inst *Instance, evt adapter.Event) {
	ctx := context.Background()

	switch evt.Kind {
	case adapter.EventQR:
		inst.setQR(evt.Code, r.cfg.QRRotation)
		switch inst.Status() {
		case store.StatusInitializing, store.StatusPendingAuth:
			// pending_auth -> pending_auth models QR rotation.
			if err := r.transition(ctx, inst, store.StatusPendingAuth); err != nil {
				r.logger.Error("qr transition failed", "account_id", inst.AccountID, "error", err)
			}
		}

	case adapter.EventPhoneCode:
		inst.setPhoneChallenge(evt.Code, r.cfg.PhoneCodeTTL)
		switch inst.Status() {
		case store.StatusInitializing, store.StatusPendingAuth:
			if err := r.transition(ctx, inst, store.StatusPendingAuth); err != nil {
				r.logger.Error("phone-code transition failed", "account_id", inst.AccountID, "error", err)
			}
		}

	case adapter.EventAuthenticated:
		// A restored session authenticates straight out of initializing;
		// step through pending_auth to keep every observed edge legal.
		if inst.Status() == store.StatusInitializing {
			if err := r.transition(ctx, inst, store.StatusPendingAuth); err != nil {
				r.logger.Error("auth transition failed", "account_id", inst.AccountID, "error", err)
				return
			}
		}
		inst.clearPairing()
		if err := r.transition(ctx, inst, store.StatusAuthenticated); err != nil {
			r.logger.Error("auth transition failed", "account_id", inst.AccountID, "error", err)
		}

	case adapter.EventReady:
		if inst.Status() == store.StatusReady {
			return // duplicate connected notification
		}
		if err := r.transition(ctx, inst, store.StatusReady); err != nil {
			r.logger.Error("ready transition failed", "account_id", inst.AccountID, "error", err)
			return
		}
		inst.prober.Start(inst.ctx)
		r.touchActivity(ctx, inst.AccountID, 0)

	case adapter.EventDisconnected:
		if inst.Status() != store.StatusReady {
			// Pairing timeouts and pre-ready hiccups are recoverable; the
			// caller retries pairing, no transition happens.
			r.logger.Warn("disconnect before ready",
				"account_id", inst.AccountID, "reason", evt.Reason)
			return
		}
		r.declareDead(inst)

	case adapter.EventFatal:
		r.logger.Error("unrecoverable adapter fault",
			"account_id", inst.AccountID, "reason", evt.Reason)
		if err := r.transition(ctx, inst, store.StatusError); err != nil {
			r.logger.Error("error transition failed", "account_id", inst.AccountID, "error", err)
		}
		if inst.prober != nil {
			inst.prober.Stop()
		}
		inst.cancel()
		if inst.client != nil {
			inst.client.Disconnect()
		}
		r.release(inst.AccountID)

	case adapter.EventMessage:
		if evt.Message == nil {
			return
		}
		r.touchActivity(ctx, inst.AccountID, 0)
		if r.onMessage != nil {
			r.onMessage(inst.AccountID, evt.Message)
		}
	}
}
