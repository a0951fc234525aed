package instance

import (
	"testing"
	"time"

	"github.com/chatwarp/waconnect-go/internal/authstore"
	"github.com/chatwarp/waconnect-go/internal/waversion"
)

func testDeps() RunnerDeps {
	return RunnerDeps{
		AuthStore:      authstore.NewInMemoryStore(),
		WAWebSocketURL: "wss://web.whatsapp.com/ws/chat",
		VersionManager: waversion.NewManager(time.Hour),
		QRCodeLimit:    30,
		LoginTimeout:   60 * time.Second,
	}
}

func TestManagerCreateGetDeleteCount(t *testing.T) {
	m := NewManager(testDeps())

	if _, err := m.Create("  ", false); err != ErrInvalidName {
		t.Fatalf("expected ErrInvalidName for blank name, got %v", err)
	}

	handle, err := m.Create("alpha", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if handle.Name() != "alpha" {
		t.Fatalf("unexpected handle name: %q", handle.Name())
	}
	if m.Count() != 1 {
		t.Fatalf("expected count 1, got %d", m.Count())
	}

	if _, err := m.Create("alpha", false); err == nil {
		t.Fatal("expected duplicate creation to fail")
	}

	got, ok := m.Get("alpha")
	if !ok || got != handle {
		t.Fatal("expected Get to return the same handle")
	}

	if err := m.Delete("alpha"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("expected count 0 after delete, got %d", m.Count())
	}
	if err := m.Delete("alpha"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestHandleInitialStatusIsDisconnected(t *testing.T) {
	m := NewManager(testDeps())
	handle, err := m.Create("beta", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Delete("beta")

	if handle.Status().State != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %q", handle.Status().State)
	}
}

func TestEventBusDeliversAndDropsOnFullBuffer(t *testing.T) {
	bus := newEventBus()
	ch, unsubscribe := bus.subscribe()
	defer unsubscribe()

	bus.publish(Event{Type: EventConnected})
	select {
	case ev := <-ch:
		if ev.Type != EventConnected {
			t.Fatalf("unexpected event type: %q", ev.Type)
		}
	default:
		t.Fatal("expected a buffered event to be immediately readable")
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := newEventBus()
	ch, unsubscribe := bus.subscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
