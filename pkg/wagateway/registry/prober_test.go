package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/adapter"
	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

func readyAccount(t *testing.T, probe ProbeConfig) (*Registry, *fakeClient, int64) {
	t.Helper()
	st := newTestStore(t)
	id := createAccount(t, st)
	factory := newFakeFactory()
	cfg := DefaultConfig()
	cfg.SessionsDir = t.TempDir()
	cfg.Reconnect.Enabled = false
	cfg.Probe = probe
	reg := New(cfg, st, factory, testLogger())
	t.Cleanup(func() { reg.Close(context.Background()) })

	if err := reg.Initialize(context.Background(), id); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	client := factory.client(id)
	client.emit(adapter.Event{Kind: adapter.EventAuthenticated})
	client.emit(adapter.Event{Kind: adapter.EventReady})
	waitStatus(t, reg, id, store.StatusReady)
	return reg, client, id
}

func TestProber(t *testing.T) {
	t.Run("starts with the ready transition", func(t *testing.T) {
		reg, _, id := readyAccount(t, ProbeConfig{
			Interval: time.Hour, Timeout: time.Second, FailureThreshold: 3,
		})
		diag, err := reg.Diagnostics(id)
		if err != nil {
			t.Fatalf("Diagnostics: %v", err)
		}
		if !diag.Running {
			t.Error("expected prober to be running once ready")
		}
	})

	t.Run("threshold crossing declares the connection dead", func(t *testing.T) {
		reg, client, id := readyAccount(t, ProbeConfig{
			Interval: 15 * time.Millisecond, Timeout: time.Second, FailureThreshold: 3,
		})

		client.mu.Lock()
		client.pingErr = fmt.Errorf("socket closed")
		client.mu.Unlock()

		waitStatus(t, reg, id, store.StatusDisconnected)
		if _, err := reg.Acquire(id); err == nil {
			t.Error("expected instance to be released after death")
		}
	})

	t.Run("successful probe resets the failure count", func(t *testing.T) {
		reg, client, id := readyAccount(t, ProbeConfig{
			Interval: 15 * time.Millisecond, Timeout: time.Second, FailureThreshold: 50,
		})

		client.mu.Lock()
		client.pingErr = fmt.Errorf("socket closed")
		client.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			diag, _ := reg.Diagnostics(id)
			if diag.ConsecutiveFailures >= 2 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		client.mu.Lock()
		client.pingErr = nil
		client.mu.Unlock()

		deadline = time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			diag, _ := reg.Diagnostics(id)
			if diag.Running && diag.ConsecutiveFailures == 0 && !diag.LastSuccessAt.IsZero() {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		diag, _ := reg.Diagnostics(id)
		t.Fatalf("failure count never reset: %+v", diag)
	})

	t.Run("start and stop are idempotent", func(t *testing.T) {
		reg, _, id := readyAccount(t, ProbeConfig{
			Interval: time.Hour, Timeout: time.Second, FailureThreshold: 3,
		})
		inst, err := reg.Acquire(id)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		inst.prober.Start(context.Background())
		inst.prober.Stop()
		inst.prober.Stop()

		diag, _ := reg.Diagnostics(id)
		if diag.Running {
			t.Error("expected prober stopped")
		}
	})
}
