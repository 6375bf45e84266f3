// Package maintenance runs the gateway's recurring housekeeping jobs on cron
// schedules: persisting the in-memory dedup ledger, pruning stale ledger
// rows, and sweeping session files left behind by deleted accounts.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// LedgerSource exposes the in-memory dedup ledger for persistence. The
// router implements it.
type LedgerSource interface {
	Snapshot() []store.LedgerEntry
}

// Config holds maintenance schedules and retention settings.
type Config struct {
	// SnapshotSchedule controls how often the dedup ledger is flushed to
	// the store. Cron format, @every syntax accepted.
	SnapshotSchedule string `yaml:"snapshot_schedule"`

	// PruneSchedule controls how often old ledger rows are deleted.
	PruneSchedule string `yaml:"prune_schedule"`

	// SweepSchedule controls how often orphaned session files are removed.
	SweepSchedule string `yaml:"sweep_schedule"`

	// LedgerRetention is how long processed-message records are kept.
	LedgerRetention time.Duration `yaml:"ledger_retention"`
}

// DefaultConfig returns maintenance defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotSchedule: "@every 5m",
		PruneSchedule:    "@daily",
		SweepSchedule:    "@daily",
		LedgerRetention:  7 * 24 * time.Hour,
	}
}

// Runner owns the cron scheduler and the registered jobs.
type Runner struct {
	cfg         Config
	store       store.Store
	ledger      LedgerSource
	sessionsDir string
	logger      *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

// New creates a maintenance runner. ledger may be nil, in which case the
// snapshot job is skipped.
func New(cfg Config, st store.Store, ledger LedgerSource, sessionsDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = def.SnapshotSchedule
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = def.PruneSchedule
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if cfg.LedgerRetention <= 0 {
		cfg.LedgerRetention = def.LedgerRetention
	}
	return &Runner{
		cfg:         cfg,
		store:       st,
		ledger:      ledger,
		sessionsDir: sessionsDir,
		logger:      logger.With("component", "maintenance"),
		cron:        cron.New(),
	}
}

// Start registers the jobs and starts the scheduler. Idempotent.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	if r.ledger != nil {
		if _, err := r.cron.AddFunc(r.cfg.SnapshotSchedule, r.snapshotLedger); err != nil {
			return fmt.Errorf("registering snapshot job: %w", err)
		}
	}
	if _, err := r.cron.AddFunc(r.cfg.PruneSchedule, r.pruneLedger); err != nil {
		return fmt.Errorf("registering prune job: %w", err)
	}
	if r.sessionsDir != "" {
		if _, err := r.cron.AddFunc(r.cfg.SweepSchedule, r.sweepSessions); err != nil {
			return fmt.Errorf("registering sweep job: %w", err)
		}
	}

	r.cron.Start()
	r.started = true
	r.logger.Info("maintenance started",
		"snapshot", r.cfg.SnapshotSchedule,
		"prune", r.cfg.PruneSchedule,
		"sweep", r.cfg.SweepSchedule)
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.started = false
}

// snapshotLedger flushes the in-memory dedup ledger to the store so a
// restart does not reprocess recent messages.
func (r *Runner) snapshotLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries := r.ledger.Snapshot()
	if len(entries) == 0 {
		return
	}
	if err := r.store.SaveLedger(ctx, entries); err != nil {
		r.logger.Warn("ledger snapshot failed", "entries", len(entries), "error", err)
		return
	}
	r.logger.Debug("ledger snapshot saved", "entries", len(entries))
}

// pruneLedger drops ledger rows older than the retention window.
func (r *Runner) pruneLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.LedgerRetention)
	n, err := r.store.PruneLedger(ctx, cutoff)
	if err != nil {
		r.logger.Warn("ledger prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("ledger pruned", "removed", n, "cutoff", cutoff)
	}
}

// sweepSessions removes session database files whose account no longer
// exists. Session files are named <account-id>.db plus SQLite sidecars.
func (r *Runner) sweepSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		r.logger.Warn("session sweep aborted", "error", err)
		return
	}
	live := make(map[int64]bool, len(accounts))
	for _, a := range accounts {
		live[a.ID] = true
	}

	entries, err := os.ReadDir(r.sessionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("session sweep aborted", "error", err)
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := sessionFileAccount(entry.Name())
		if !ok || live[id] {
			continue
		}
		path := filepath.Join(r.sessionsDir, entry.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Warn("removing orphaned session file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("orphaned session files removed", "count", removed)
	}
}

// sessionFileAccount extracts the account id from a session file name such
// as "12.db", "12.db-wal" or "12.db-shm".
func sessionFileAccount(name string) (int64, bool) {
	base := name
	for _, suffix := range []string{".db-wal", ".db-shm", ".db"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			id, err := strconv.ParseInt(base, 10, 64)
			if err != nil {
				return 0, false
			}
			return id, true
		}
	}
	return 0, false
}
