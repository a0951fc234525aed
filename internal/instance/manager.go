package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwarp/waconnect-go/internal/authstore"
	"github.com/chatwarp/waconnect-go/internal/waversion"
)

// ConnectionState is the coarse connection phase an instance is in,
// observable externally through Handle.Status.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateQRPending    ConnectionState = "qr_pending"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// Status is a read-only snapshot of a runner's current state, owned and
// written only by its runner goroutine (spec.md §5's
// "InstanceStatus lives behind a read/write lock").
type Status struct {
	State       ConnectionState
	LastError   string
	QRCodeCount int
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdSendMessage
	cmdShutdown
)

type command struct {
	kind      commandKind
	messageID string
	payload   []byte
}

// ErrInstanceClosed is returned when a command cannot be delivered
// because the instance's runner has already exited.
var ErrInstanceClosed = errors.New("instance: runner is no longer running")

// Handle is the capability set a manager hands out for one instance: a
// command sender, a status reader, and an event subscriber, per
// spec.md §4.3's "the Instance manager shares an InstanceHandle... by
// cloning it".
type Handle struct {
	name     string
	commands chan command
	bus      *eventBus

	mu     sync.RWMutex
	status Status
}

func newHandle(name string) *Handle {
	return &Handle{
		name:     name,
		commands: make(chan command, 64),
		bus:      newEventBus(),
		status:   Status{State: StateDisconnected},
	}
}

// Name returns the instance name this handle addresses.
func (h *Handle) Name() string { return h.name }

// Status returns a snapshot of the runner's current state.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Subscribe returns a channel of future events and a function to stop
// receiving them. Call the returned function once done to release the
// subscriber slot.
func (h *Handle) Subscribe() (<-chan Event, func()) {
	return h.bus.subscribe()
}

func (h *Handle) send(ctx context.Context, cmd command) error {
	select {
	case h.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect instructs the runner to start (and keep retrying) its
// connection loop.
func (h *Handle) Connect(ctx context.Context) error {
	return h.send(ctx, command{kind: cmdConnect})
}

// Disconnect instructs the runner to tear down its transport and stop
// auto-reconnecting.
func (h *Handle) Disconnect(ctx context.Context) error {
	return h.send(ctx, command{kind: cmdDisconnect})
}

// SendMessage asks the runner to encrypt, frame, and transmit payload
// if currently connected.
func (h *Handle) SendMessage(ctx context.Context, messageID string, payload []byte) error {
	return h.send(ctx, command{kind: cmdSendMessage, messageID: messageID, payload: payload})
}

func (h *Handle) setStatus(mutate func(*Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mutate(&h.status)
}

func (h *Handle) publish(event Event) {
	event.InstanceName = h.name
	h.bus.publish(event)
}

// VersionProvider is the {get_version, invalidate} capability set
// spec.md §9's Polymorphism notes call out explicitly ("either interface
// abstractions or explicit function-pointer structs are acceptable").
// *waversion.Manager satisfies this implicitly; tests substitute a fake
// that never dials the network.
type VersionProvider interface {
	GetVersion(ctx context.Context) waversion.Version
	Invalidate()
}

// RunnerDeps are the collaborators a runner needs, shared across every
// instance a Manager owns.
type RunnerDeps struct {
	AuthStore      authstore.Store
	WAWebSocketURL string
	VersionManager VersionProvider
	QRCodeLimit    int
	LoginTimeout   time.Duration
	CertIssuerKeys [][]byte
	Logger         *zap.SugaredLogger
}

// Manager is the registry mapping instance name to runner handle,
// grounded on original_source/src/instance/mod.rs's InstanceManager.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*managedInstance
	deps      RunnerDeps
}

type managedInstance struct {
	handle *Handle
	cancel context.CancelFunc
}

// NewManager builds a Manager sharing deps across every instance it
// creates.
func NewManager(deps RunnerDeps) *Manager {
	return &Manager{instances: make(map[string]*managedInstance), deps: deps}
}

// ErrInvalidName is returned by Create for an empty or whitespace-only
// instance name.
var ErrInvalidName = errors.New("instance: name must be non-empty")

// ErrAlreadyExists is returned by Create when name is already
// registered.
var ErrAlreadyExists = errors.New("instance: already exists")

// ErrNotFound is returned by Delete when name is not registered.
var ErrNotFound = errors.New("instance: not found")

// Create registers a new instance under name, spawning its runner
// goroutine. If autoConnect is set, a Connect command is queued
// immediately.
func (m *Manager) Create(name string, autoConnect bool) (*Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	m.mu.Lock()
	if _, exists := m.instances[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}

	handle := newHandle(name)
	ctx, cancel := context.WithCancel(context.Background())
	m.instances[name] = &managedInstance{handle: handle, cancel: cancel}
	m.mu.Unlock()

	go run(ctx, name, handle, m.deps)

	if autoConnect {
		handle.commands <- command{kind: cmdConnect}
	}

	return handle, nil
}

// Get returns the handle registered under name, if any.
func (m *Manager) Get(name string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, false
	}
	return inst.handle, true
}

// Delete removes name from the registry and asks its runner to exit.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(m.instances, name)
	m.mu.Unlock()

	select {
	case inst.handle.commands <- command{kind: cmdShutdown}:
	default:
	}
	inst.cancel()
	return nil
}

// Count returns the number of currently registered instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
