package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwarp/waconnect-go/internal/authstore"
	"github.com/chatwarp/waconnect-go/internal/core"
	"github.com/chatwarp/waconnect-go/internal/instance"
)

// Session status constants
type SessionStatus string

const (
	StatusInitializing SessionStatus = "INITIALIZING"
	StatusConnecting   SessionStatus = "CONNECTING"
	StatusQRReady      SessionStatus = "QR_READY"
	StatusReady        SessionStatus = "READY"
	StatusDisconnected SessionStatus = "DISCONNECTED"
)

// Common errors
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotConnected    = errors.New("not connected")
)

// WAClient is the API-facing view of one instance.Handle: it mirrors the
// runner's asynchronous events into a small set of fields a fiber
// handler can read synchronously, the way the teacher's WAClient sat in
// front of core.Connection's callbacks.
type WAClient struct {
	ID string

	mu               sync.RWMutex
	status           SessionStatus
	phoneNumber      string
	qrCode           string
	qrCodeBase64     string
	connectedAt      *time.Time
	lastActivityAt   time.Time
	messagesSent     int
	messagesReceived int

	logger    *zap.SugaredLogger
	authStore authstore.Store
	qrGen     *core.QRGenerator
	handle    *instance.Handle
	onEvent   func(instance.Event)

	unsubscribe func()
}

// Message represents a WhatsApp message
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	FromName  string    `json:"fromName"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	IsFromMe  bool      `json:"isFromMe"`
}

// newWAClient wraps handle, subscribing to its events immediately so
// none are missed between subscription and the first Connect command.
func newWAClient(handle *instance.Handle, authStore authstore.Store, logger *zap.SugaredLogger, onEvent func(instance.Event)) *WAClient {
	events, unsubscribe := handle.Subscribe()

	c := &WAClient{
		ID:             handle.Name(),
		status:         StatusInitializing,
		lastActivityAt: time.Now(),
		logger:         logger,
		authStore:      authStore,
		qrGen:          core.NewQRGenerator(),
		handle:         handle,
		onEvent:        onEvent,
		unsubscribe:    unsubscribe,
	}

	go c.consumeEvents(events)

	return c
}

func (c *WAClient) consumeEvents(events <-chan instance.Event) {
	for ev := range events {
		if c.onEvent != nil {
			c.onEvent(ev)
		}

		switch ev.Type {
		case instance.EventQrCode:
			c.mu.Lock()
			c.status = StatusQRReady
			c.qrCode = ev.QRCode
			c.lastActivityAt = time.Now()
			c.mu.Unlock()

			if b64, err := c.qrGen.GenerateBase64(ev.QRCode); err == nil {
				c.mu.Lock()
				c.qrCodeBase64 = b64
				c.mu.Unlock()
			}
			c.logger.Infof("QR code ready for session %s", c.ID)

		case instance.EventConnected:
			now := time.Now()
			c.mu.Lock()
			c.status = StatusReady
			c.connectedAt = &now
			c.lastActivityAt = now
			c.mu.Unlock()
			c.logger.Infof("Session %s connected", c.ID)
			c.refreshPhoneNumber()

		case instance.EventDisconnected:
			c.mu.Lock()
			c.status = StatusDisconnected
			c.lastActivityAt = time.Now()
			c.mu.Unlock()
			c.logger.Warnf("Session %s disconnected: %s", c.ID, ev.Reason)

		case instance.EventReconnectScheduled:
			c.mu.Lock()
			if c.status != StatusQRReady {
				c.status = StatusConnecting
			}
			c.mu.Unlock()

		case instance.EventOutboundAck:
			c.mu.Lock()
			c.messagesSent++
			c.lastActivityAt = time.Now()
			c.mu.Unlock()
		}
	}
}

// refreshPhoneNumber pulls the logged-in JID out of auth storage once a
// runner reports EventConnected; the runner itself only tracks this in
// the AuthState it persists, not in the event payload.
func (c *WAClient) refreshPhoneNumber() {
	if c.authStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := c.authStore.Load(ctx, c.ID)
	if err != nil || state == nil || state.Metadata.Me == nil {
		return
	}

	c.mu.Lock()
	c.phoneNumber = state.Metadata.Me.JID
	c.mu.Unlock()
}

// Connect asks the underlying runner to start (and keep retrying) its
// connection loop.
func (c *WAClient) Connect(ctx context.Context) error {
	return c.handle.Connect(ctx)
}

// Disconnect asks the runner to tear down and stop auto-reconnecting.
func (c *WAClient) Disconnect(ctx context.Context) {
	if err := c.handle.Disconnect(ctx); err != nil {
		c.logger.Warnf("Disconnect %s: %v", c.ID, err)
	}
	c.mu.Lock()
	c.status = StatusDisconnected
	c.qrCode = ""
	c.mu.Unlock()
}

// close stops this client's event-consuming goroutine; callers must not
// use the client afterwards.
func (c *WAClient) close() {
	c.unsubscribe()
}

// GetStatus returns current session status
func (c *WAClient) GetStatus() SessionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// GetQRCode returns the current QR code
func (c *WAClient) GetQRCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.qrCode
}

// GetPhoneNumber returns the connected phone number
func (c *WAClient) GetPhoneNumber() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phoneNumber
}

// GetSession returns session info
func (c *WAClient) GetSession() SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return SessionInfo{
		ID:               c.ID,
		Status:           c.status,
		PhoneNumber:      c.phoneNumber,
		ConnectedAt:      c.connectedAt,
		LastActivityAt:   c.lastActivityAt,
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
	}
}

// SendText sends a text message. Composing and encrypting the actual
// message stanza is out of scope here (no Double Ratchet session with
// the remote peer is established); this only accounts for the send and
// leaves the wire work to a higher layer built on top of
// instance.Handle.SendMessage.
func (c *WAClient) SendText(to, text string) (*MessageResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusReady {
		return nil, ErrNotConnected
	}

	c.messagesSent++
	c.lastActivityAt = time.Now()

	return &MessageResult{
		MessageID: "MSG_" + time.Now().Format("20060102150405"),
		Timestamp: time.Now(),
	}, nil
}

// SessionInfo holds session information
type SessionInfo struct {
	ID               string        `json:"id"`
	Status           SessionStatus `json:"status"`
	PhoneNumber      string        `json:"phoneNumber,omitempty"`
	ConnectedAt      *time.Time    `json:"connectedAt,omitempty"`
	LastActivityAt   time.Time     `json:"lastActivityAt"`
	MessagesSent     int           `json:"messagesSent"`
	MessagesReceived int           `json:"messagesReceived"`
}

// MessageResult holds the result of sending a message
type MessageResult struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}
