package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAccountCRUD(t *testing.T) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		st := newTestStore(t)
		acc := &Account{
			Status:               StatusUninitialized,
			OwnerName:            "Acme Support",
			OwnerPhone:           "15551234567",
			Description:          "support line",
			ResponseDelaySeconds: 5,
		}
		if err := st.CreateAccount(ctx, acc); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if acc.ID == 0 {
			t.Fatal("expected assigned id")
		}

		got, err := st.GetAccount(ctx, acc.ID)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if got.OwnerName != "Acme Support" || got.OwnerPhone != "15551234567" {
			t.Errorf("owner fields lost: %+v", got)
		}
		if got.Status != StatusUninitialized {
			t.Errorf("expected uninitialized, got %s", got.Status)
		}
		if got.ResponseDelaySeconds != 5 {
			t.Errorf("delay lost: %d", got.ResponseDelaySeconds)
		}
	})

	t.Run("missing account returns ErrNotFound", func(t *testing.T) {
		st := newTestStore(t)
		if _, err := st.GetAccount(ctx, 42); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update round trips agent assignment", func(t *testing.T) {
		st := newTestStore(t)
		agent := &Agent{Name: "a", Model: "m", Active: true}
		if err := st.SaveAgent(ctx, agent); err != nil {
			t.Fatalf("SaveAgent: %v", err)
		}
		acc := &Account{Status: StatusUninitialized, OwnerName: "o"}
		if err := st.CreateAccount(ctx, acc); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}

		acc.AutoResponseEnabled = true
		acc.AssignedAgentID = &agent.ID
		acc.CustomPromptOverride = "be brief"
		if err := st.UpdateAccount(ctx, acc); err != nil {
			t.Fatalf("UpdateAccount: %v", err)
		}

		got, _ := st.GetAccount(ctx, acc.ID)
		if !got.AutoResponseEnabled {
			t.Error("auto-response flag lost")
		}
		if got.AssignedAgentID == nil || *got.AssignedAgentID != agent.ID {
			t.Error("agent assignment lost")
		}
		if got.CustomPromptOverride != "be brief" {
			t.Error("prompt override lost")
		}

		// Clearing the assignment persists as NULL.
		acc.AssignedAgentID = nil
		if err := st.UpdateAccount(ctx, acc); err != nil {
			t.Fatalf("UpdateAccount: %v", err)
		}
		got, _ = st.GetAccount(ctx, acc.ID)
		if got.AssignedAgentID != nil {
			t.Error("cleared assignment still present")
		}
	})

	t.Run("delete", func(t *testing.T) {
		st := newTestStore(t)
		acc := &Account{Status: StatusUninitialized, OwnerName: "o"}
		if err := st.CreateAccount(ctx, acc); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if err := st.DeleteAccount(ctx, acc.ID); err != nil {
			t.Fatalf("DeleteAccount: %v", err)
		}
		if _, err := st.GetAccount(ctx, acc.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("delete all", func(t *testing.T) {
		st := newTestStore(t)
		for i := 0; i < 3; i++ {
			acc := &Account{Status: StatusUninitialized, OwnerName: "o"}
			if err := st.CreateAccount(ctx, acc); err != nil {
				t.Fatalf("CreateAccount: %v", err)
			}
		}
		if err := st.DeleteAllAccounts(ctx); err != nil {
			t.Fatalf("DeleteAllAccounts: %v", err)
		}
		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			t.Fatalf("ListAccounts: %v", err)
		}
		if len(accounts) != 0 {
			t.Errorf("expected empty store, got %d accounts", len(accounts))
		}
	})
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acc := &Account{Status: StatusUninitialized, OwnerName: "o"}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := st.UpdateStatus(ctx, acc.ID, StatusInitializing, time.Now()); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := st.GetAccount(ctx, acc.ID)
	if got.Status != StatusInitializing {
		t.Errorf("expected initializing, got %s", got.Status)
	}

	if err := st.UpdateStatus(ctx, 999, StatusReady, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown account, got %v", err)
	}
}

func TestUpdateActivity(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acc := &Account{Status: StatusUninitialized, OwnerName: "o"}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	now := time.Now()
	if err := st.UpdateActivity(ctx, acc.ID, now, 2); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	got, _ := st.GetAccount(ctx, acc.ID)
	if got.ConnectionAttempts != 2 {
		t.Errorf("attempts lost: %d", got.ConnectionAttempts)
	}
	if got.LastActivityAt.IsZero() {
		t.Error("activity timestamp lost")
	}
}

func TestAgents(t *testing.T) {
	ctx := context.Background()

	t.Run("save assigns id and round trips keywords", func(t *testing.T) {
		st := newTestStore(t)
		agent := &Agent{
			Name:              "sales",
			Provider:          "openai",
			BaseURL:           "https://llm.internal/v1",
			Model:             "gpt-4o-mini",
			Active:            true,
			TriggerKeywords:   []string{"price", "quote"},
			ResponseDelayHint: 3,
		}
		if err := st.SaveAgent(ctx, agent); err != nil {
			t.Fatalf("SaveAgent: %v", err)
		}
		if agent.ID == 0 {
			t.Fatal("expected assigned id")
		}

		got, err := st.GetAgent(ctx, agent.ID)
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if len(got.TriggerKeywords) != 2 || got.TriggerKeywords[0] != "price" {
			t.Errorf("keywords lost: %v", got.TriggerKeywords)
		}
		if got.BaseURL != "https://llm.internal/v1" || got.Model != "gpt-4o-mini" {
			t.Errorf("endpoint fields lost: %+v", got)
		}
	})

	t.Run("save with id updates in place", func(t *testing.T) {
		st := newTestStore(t)
		agent := &Agent{Name: "a", Model: "m", Active: true}
		if err := st.SaveAgent(ctx, agent); err != nil {
			t.Fatalf("SaveAgent: %v", err)
		}
		agent.Active = false
		agent.Model = "m2"
		if err := st.SaveAgent(ctx, agent); err != nil {
			t.Fatalf("SaveAgent update: %v", err)
		}

		agents, err := st.ListAgents(ctx)
		if err != nil {
			t.Fatalf("ListAgents: %v", err)
		}
		if len(agents) != 1 {
			t.Fatalf("expected 1 agent, got %d", len(agents))
		}
		if agents[0].Active || agents[0].Model != "m2" {
			t.Errorf("update lost: %+v", agents[0])
		}
	})
}

func TestLedgerPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		st := newTestStore(t)
		now := time.Now().UTC().Truncate(time.Second)
		entries := []LedgerEntry{
			{AccountID: 1, ChatID: "chat-a", LastMessageID: "m1", LastProcessedAt: now},
			{AccountID: 2, ChatID: "chat-b", LastMessageID: "m2", LastProcessedAt: now},
		}
		if err := st.SaveLedger(ctx, entries); err != nil {
			t.Fatalf("SaveLedger: %v", err)
		}

		one, err := st.LoadLedger(ctx, 1)
		if err != nil {
			t.Fatalf("LoadLedger: %v", err)
		}
		if len(one) != 1 || one[0].LastMessageID != "m1" {
			t.Errorf("unexpected entries for account 1: %+v", one)
		}

		all, err := st.LoadLedger(ctx, 0)
		if err != nil {
			t.Fatalf("LoadLedger all: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 entries, got %d", len(all))
		}
	})

	t.Run("save replaces per chat", func(t *testing.T) {
		st := newTestStore(t)
		now := time.Now().UTC()
		if err := st.SaveLedger(ctx, []LedgerEntry{
			{AccountID: 1, ChatID: "chat-a", LastMessageID: "m1", LastProcessedAt: now},
		}); err != nil {
			t.Fatalf("SaveLedger: %v", err)
		}
		if err := st.SaveLedger(ctx, []LedgerEntry{
			{AccountID: 1, ChatID: "chat-a", LastMessageID: "m9", LastProcessedAt: now},
		}); err != nil {
			t.Fatalf("SaveLedger: %v", err)
		}
		entries, _ := st.LoadLedger(ctx, 1)
		if len(entries) != 1 || entries[0].LastMessageID != "m9" {
			t.Errorf("expected single replaced entry, got %+v", entries)
		}
	})

	t.Run("prune removes old rows", func(t *testing.T) {
		st := newTestStore(t)
		old := time.Now().Add(-48 * time.Hour)
		fresh := time.Now()
		if err := st.SaveLedger(ctx, []LedgerEntry{
			{AccountID: 1, ChatID: "chat-old", LastMessageID: "m1", LastProcessedAt: old},
			{AccountID: 1, ChatID: "chat-new", LastMessageID: "m2", LastProcessedAt: fresh},
		}); err != nil {
			t.Fatalf("SaveLedger: %v", err)
		}

		n, err := st.PruneLedger(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("PruneLedger: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 pruned row, got %d", n)
		}
		entries, _ := st.LoadLedger(ctx, 1)
		if len(entries) != 1 || entries[0].ChatID != "chat-new" {
			t.Errorf("wrong rows survived: %+v", entries)
		}
	})
}

func TestAccountDeleteCascadesLedger(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acc := &Account{Status: StatusUninitialized, OwnerName: "o"}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := st.SaveLedger(ctx, []LedgerEntry{
		{AccountID: acc.ID, ChatID: "chat-a", LastMessageID: "m1", LastProcessedAt: time.Now()},
	}); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	if err := st.DeleteAccount(ctx, acc.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	entries, err := st.LoadLedger(ctx, acc.ID)
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ledger rows survived account deletion: %+v", entries)
	}
}
