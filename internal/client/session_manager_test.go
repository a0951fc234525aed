package client

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatwarp/waconnect-go/internal/authstore"
	"github.com/chatwarp/waconnect-go/internal/instance"
	"github.com/chatwarp/waconnect-go/internal/waversion"
)

func testRunnerDeps() instance.RunnerDeps {
	return instance.RunnerDeps{
		AuthStore:      authstore.NewInMemoryStore(),
		WAWebSocketURL: "ws://127.0.0.1:1/unreachable",
		VersionManager: waversion.NewManager(time.Hour),
		QRCodeLimit:    5,
		LoginTimeout:   time.Second,
		Logger:         zap.NewNop().Sugar(),
	}
}

func TestSessionManagerCreateGetDeleteLifecycle(t *testing.T) {
	sm := NewSessionManager(testRunnerDeps(), nil)

	wc, err := sm.CreateSession("tenant-a")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if wc.ID != "tenant-a" {
		t.Fatalf("unexpected client id: %q", wc.ID)
	}

	if _, err := sm.CreateSession("tenant-a"); err != ErrSessionExists {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}

	got, ok := sm.GetSession("tenant-a")
	if !ok || got != wc {
		t.Fatal("expected GetSession to return the same client")
	}

	if err := sm.DeleteSession("tenant-a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok := sm.GetSession("tenant-a"); ok {
		t.Fatal("expected session to be gone after delete")
	}
	if err := sm.DeleteSession("tenant-a"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionManagerEventHookReceivesSessionID(t *testing.T) {
	var gotID string
	var gotType instance.EventType
	done := make(chan struct{}, 1)

	sm := NewSessionManager(testRunnerDeps(), func(sessionID string, ev instance.Event) {
		gotID, gotType = sessionID, ev.Type
		select {
		case done <- struct{}{}:
		default:
		}
	})

	if _, err := sm.CreateSession("tenant-b"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sm.DeleteSession("tenant-b")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event to reach the hook")
	}

	if gotID != "tenant-b" {
		t.Fatalf("unexpected session id in hook: %q", gotID)
	}
	if gotType == "" {
		t.Fatal("expected a non-empty event type")
	}
}

func TestGetStatsCountsByStatus(t *testing.T) {
	sm := NewSessionManager(testRunnerDeps(), nil)
	if _, err := sm.CreateSession("tenant-c"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sm.DeleteSession("tenant-c")

	stats := sm.GetStats()
	if stats.Total != 1 {
		t.Fatalf("expected total 1, got %d", stats.Total)
	}
}
