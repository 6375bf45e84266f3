package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

func TestLedgerSeen(t *testing.T) {
	t.Run("first sight is not a duplicate", func(t *testing.T) {
		l := NewLedger()
		if l.Seen(1, "chat-a", "m1") {
			t.Error("first delivery flagged as duplicate")
		}
		if !l.Seen(1, "chat-a", "m1") {
			t.Error("second delivery not flagged as duplicate")
		}
	})

	t.Run("new message id replaces the record", func(t *testing.T) {
		l := NewLedger()
		l.Seen(1, "chat-a", "m1")
		if l.Seen(1, "chat-a", "m2") {
			t.Error("new message id flagged as duplicate")
		}
		if !l.Seen(1, "chat-a", "m2") {
			t.Error("redelivery of m2 not flagged")
		}
	})

	t.Run("accounts are isolated", func(t *testing.T) {
		l := NewLedger()
		l.Seen(1, "chat-a", "m1")
		if l.Seen(2, "chat-a", "m1") {
			t.Error("dedup state leaked across accounts")
		}
	})

	t.Run("chats are isolated", func(t *testing.T) {
		l := NewLedger()
		l.Seen(1, "chat-a", "m1")
		if l.Seen(1, "chat-b", "m1") {
			t.Error("dedup state leaked across chats")
		}
	})
}

func TestLedgerEviction(t *testing.T) {
	l := NewLedger()
	l.maxChats = 4

	for i := 0; i < 4; i++ {
		l.Seen(1, fmt.Sprintf("chat-%d", i), "m1")
		time.Sleep(time.Millisecond)
	}
	// Touch chat-0 so chat-1 becomes the eviction candidate.
	l.Seen(1, "chat-0", "m2")
	time.Sleep(time.Millisecond)
	l.Seen(1, "chat-999", "m1")

	if !l.Seen(1, "chat-0", "m2") {
		t.Error("recently touched chat was evicted")
	}
	if l.Seen(1, "chat-1", "m1") {
		t.Error("least recently touched chat should have been evicted")
	}
}

func TestLedgerForget(t *testing.T) {
	l := NewLedger()
	l.Seen(1, "chat-a", "m1")
	l.Forget(1)
	if l.Seen(1, "chat-a", "m1") {
		t.Error("record survived Forget")
	}
}

func TestLedgerSnapshotRestore(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		l := NewLedger()
		l.Seen(1, "chat-a", "m1")
		l.Seen(2, "chat-b", "m9")

		entries := l.Snapshot()
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}

		fresh := NewLedger()
		fresh.Restore(entries)
		if !fresh.Seen(1, "chat-a", "m1") {
			t.Error("restored ledger lost account 1 record")
		}
		if !fresh.Seen(2, "chat-b", "m9") {
			t.Error("restored ledger lost account 2 record")
		}
	})

	t.Run("restore never clobbers fresher state", func(t *testing.T) {
		stale := []store.LedgerEntry{{
			AccountID:       1,
			ChatID:          "chat-a",
			LastMessageID:   "m-old",
			LastProcessedAt: time.Now().Add(-time.Hour),
		}}

		l := NewLedger()
		l.Seen(1, "chat-a", "m-new")
		l.Restore(stale)

		if !l.Seen(1, "chat-a", "m-new") {
			t.Error("stale restore overwrote the in-memory record")
		}
	})
}
