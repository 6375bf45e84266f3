// state.go defines the account connection state machine. Every status change
// in the gateway goes through Transition, which validates the edge and
// persists the new status before the in-memory value becomes authoritative.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// legalEdges is the complete transition graph. A (from, to) pair absent from
// this table is a programming error, not an operator mistake.
var legalEdges = map[store.Status][]store.Status{
	store.StatusUninitialized: {store.StatusInitializing},
	store.StatusInitializing:  {store.StatusPendingAuth, store.StatusError},
	store.StatusPendingAuth:   {store.StatusPendingAuth, store.StatusAuthenticated, store.StatusError},
	store.StatusAuthenticated: {store.StatusReady, store.StatusError},
	store.StatusReady:         {store.StatusDisconnected, store.StatusError},
	store.StatusDisconnected:  {store.StatusInitializing, store.StatusError},
	store.StatusError:         {store.StatusInitializing},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to store.Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// staleInFlight reports whether a persisted status implies a live connection.
// Seen with no instance in the registry it is a leftover from a crash or a
// shutdown mid-pairing, and the account must still be able to come back up.
func staleInFlight(s store.Status) bool {
	switch s {
	case store.StatusPendingAuth, store.StatusAuthenticated, store.StatusReady:
		return true
	}
	return false
}

// ErrInvalidTransition is returned for edges outside the graph.
var ErrInvalidTransition = fmt.Errorf("registry: invalid status transition")

// transition moves an instance to a new status. The store write happens
// first: external status-polling callers must never observe a transition the
// store doesn't know about.
func (r *Registry) transition(ctx context.Context, inst *Instance, to store.Status) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	from := inst.status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (account %d)", ErrInvalidTransition, from, to, inst.AccountID)
	}

	if err := r.store.UpdateStatus(ctx, inst.AccountID, to, time.Now()); err != nil {
		return fmt.Errorf("persisting status %s for account %d: %w", to, inst.AccountID, err)
	}

	inst.status = to
	r.logger.Info("account status changed",
		"account_id", inst.AccountID,
		"from", from,
		"to", to)
	return nil
}

// persistStatus writes a status for an account with no live instance,
// validating the edge against the persisted status. Used by the reconnect
// loop when it gives up and surfaces a terminal error.
func (r *Registry) persistStatus(ctx context.Context, accountID int64, to store.Status) error {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !CanTransition(account.Status, to) {
		return fmt.Errorf("%w: %s -> %s (account %d)", ErrInvalidTransition, account.Status, to, accountID)
	}
	return r.store.UpdateStatus(ctx, accountID, to, time.Now())
}
