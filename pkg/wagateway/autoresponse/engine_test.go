package autoresponse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/adapter"
	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// ---------- fakes ----------

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	history []adapter.Message
	sendErr error
}

func (f *fakeSender) SendMessage(ctx context.Context, accountID int64, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return "msg-1", nil
}

func (f *fakeSender) FetchMessages(ctx context.Context, accountID int64, chatID string, limit int) ([]adapter.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeResponder struct {
	reply string
	err   error
	delay time.Duration

	mu       sync.Mutex
	lastBody string
	lastHist []ContextMessage
}

func (f *fakeResponder) Respond(ctx context.Context, message string, history []ContextMessage, promptOverride string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.lastBody = message
	f.lastHist = history
	f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeResponder) IsActive() bool { return true }

type fakeResolver struct {
	responder AgentResponder
	err       error
}

func (f *fakeResolver) Resolve(agent *store.Agent) (AgentResponder, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.responder, nil
}

// ---------- helpers ----------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupEngine(t *testing.T, responder AgentResponder) (*Engine, *fakeSender, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	agent := &store.Agent{Name: "agent", Model: "m", Active: true}
	if err := st.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	acc := &store.Account{
		Status:              store.StatusReady,
		OwnerName:           "o",
		AutoResponseEnabled: true,
		AssignedAgentID:     &agent.ID,
	}
	if err := st.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.DefaultDelay = 10 * time.Millisecond
	eng := New(cfg, st, sender, &fakeResolver{responder: responder}, testLogger())
	t.Cleanup(func() { eng.Close() })
	return eng, sender, acc.ID
}

func waitSent(t *testing.T, sender *fakeSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.sentCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sends, got %d", want, sender.sentCount())
}

// ---------- tests ----------

func TestEngineHandle(t *testing.T) {
	t.Run("generates and sends after the delay", func(t *testing.T) {
		responder := &fakeResponder{reply: "generated reply"}
		eng, sender, id := setupEngine(t, responder)

		eng.Handle(id, "chat-a", "hello", time.Now())
		waitSent(t, sender, 1)

		sender.mu.Lock()
		got := sender.sent[0]
		sender.mu.Unlock()
		if got != "generated reply" {
			t.Errorf("wrong text sent: %q", got)
		}
	})

	t.Run("conversation context reaches the responder", func(t *testing.T) {
		responder := &fakeResponder{reply: "ok"}
		eng, sender, id := setupEngine(t, responder)
		sender.history = []adapter.Message{
			{Body: "earlier question", Timestamp: time.Now().Add(-time.Minute)},
			{Body: "earlier answer", FromSelf: true, Timestamp: time.Now().Add(-30 * time.Second)},
		}

		eng.Handle(id, "chat-a", "follow-up", time.Now())
		waitSent(t, sender, 1)

		responder.mu.Lock()
		defer responder.mu.Unlock()
		if responder.lastBody != "follow-up" {
			t.Errorf("wrong message: %q", responder.lastBody)
		}
		if len(responder.lastHist) != 2 {
			t.Fatalf("expected 2 context messages, got %d", len(responder.lastHist))
		}
		if !responder.lastHist[1].FromSelf {
			t.Error("FromSelf flag lost in context")
		}
	})

	t.Run("generation failure sends nothing", func(t *testing.T) {
		responder := &fakeResponder{err: fmt.Errorf("model unavailable")}
		eng, sender, id := setupEngine(t, responder)

		eng.Handle(id, "chat-a", "hello", time.Now())
		time.Sleep(50 * time.Millisecond)
		if sender.sentCount() != 0 {
			t.Error("send happened despite generation failure")
		}
	})

	t.Run("disabled account sends nothing", func(t *testing.T) {
		responder := &fakeResponder{reply: "ok"}
		eng, sender, id := setupEngine(t, responder)

		acc, err := eng.store.GetAccount(context.Background(), id)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		acc.AutoResponseEnabled = false
		if err := eng.store.UpdateAccount(context.Background(), acc); err != nil {
			t.Fatalf("UpdateAccount: %v", err)
		}

		eng.Handle(id, "chat-a", "hello", time.Now())
		time.Sleep(50 * time.Millisecond)
		if sender.sentCount() != 0 {
			t.Error("send happened for a disabled account")
		}
	})
}

func TestEngineCancellation(t *testing.T) {
	t.Run("cancel account drops pending sends", func(t *testing.T) {
		responder := &fakeResponder{reply: "late reply"}
		eng, sender, id := setupEngine(t, responder)
		eng.cfg.DefaultDelay = 200 * time.Millisecond

		eng.Handle(id, "chat-a", "hello", time.Now())
		if got := eng.PendingCount(id); got != 1 {
			t.Fatalf("expected 1 pending send, got %d", got)
		}

		if n := eng.CancelAccount(id); n != 1 {
			t.Fatalf("expected 1 cancelled, got %d", n)
		}
		time.Sleep(300 * time.Millisecond)
		if sender.sentCount() != 0 {
			t.Error("cancelled send still fired")
		}
	})

	t.Run("close drops every pending send", func(t *testing.T) {
		responder := &fakeResponder{reply: "late reply"}
		eng, sender, id := setupEngine(t, responder)
		eng.cfg.DefaultDelay = 200 * time.Millisecond

		eng.Handle(id, "chat-a", "hello", time.Now())
		eng.Handle(id, "chat-b", "hello again", time.Now())
		if err := eng.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		time.Sleep(300 * time.Millisecond)
		if sender.sentCount() != 0 {
			t.Error("sends fired after Close")
		}
		if eng.PendingCount(-1) != 0 {
			t.Error("pending tasks survived Close")
		}
	})
}

func TestEngineDelaySelection(t *testing.T) {
	t.Run("account delay wins over agent hint", func(t *testing.T) {
		responder := &fakeResponder{reply: "ok"}
		eng, _, id := setupEngine(t, responder)

		ctx := context.Background()
		acc, _ := eng.store.GetAccount(ctx, id)
		acc.ResponseDelaySeconds = 1
		if err := eng.store.UpdateAccount(ctx, acc); err != nil {
			t.Fatalf("UpdateAccount: %v", err)
		}

		start := time.Now()
		eng.Handle(id, "chat-a", "hello", time.Now())
		if eng.PendingCount(id) != 1 {
			t.Fatal("expected a pending send")
		}
		// The send must not fire before the 1s account delay.
		if time.Since(start) < 500*time.Millisecond {
			time.Sleep(100 * time.Millisecond)
			if eng.PendingCount(id) != 1 {
				t.Error("send fired before the account delay elapsed")
			}
		}
		eng.CancelAccount(id)
	})
}

func TestEngineTimeout(t *testing.T) {
	// A responder slower than the timeout produces no send.
	responder := &fakeResponder{reply: "too late", delay: 200 * time.Millisecond}
	eng, sender, id := setupEngine(t, responder)
	eng.cfg.ResponseTimeout = 30 * time.Millisecond

	eng.Handle(id, "chat-a", "hello", time.Now())
	time.Sleep(300 * time.Millisecond)
	if sender.sentCount() != 0 {
		t.Error("send happened despite generation timeout")
	}
}
