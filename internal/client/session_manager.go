package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/chatwarp/waconnect-go/internal/instance"
)

// SessionManager manages multiple WhatsApp sessions, wrapping an
// instance.Manager and keeping one WAClient view per instance.
type SessionManager struct {
	manager *instance.Manager
	deps    instance.RunnerDeps
	onEvent func(sessionID string, ev instance.Event)

	mu      sync.RWMutex
	clients map[string]*WAClient

	logger *zap.SugaredLogger
}

// NewSessionManager creates a new session manager sharing deps across
// every instance it starts. onEvent, if non-nil, is called for every
// lifecycle event any session emits (webhook fan-out hangs off this).
func NewSessionManager(deps instance.RunnerDeps, onEvent func(sessionID string, ev instance.Event)) *SessionManager {
	return &SessionManager{
		manager: instance.NewManager(deps),
		deps:    deps,
		onEvent: onEvent,
		clients: make(map[string]*WAClient),
		logger:  deps.Logger,
	}
}

// CreateSession creates a new WhatsApp session and connects it immediately.
//
// The runner is created with autoConnect=false so the WAClient can
// subscribe to its events before the connect command is even sent: the
// event bus has no replay, so subscribing after the runner starts
// dialing risks losing its first QrCode/ReconnectScheduled events.
func (sm *SessionManager) CreateSession(sessionID string) (*WAClient, error) {
	handle, err := sm.manager.Create(sessionID, false)
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyExists) {
			return nil, ErrSessionExists
		}
		return nil, err
	}

	var onEvent func(instance.Event)
	if sm.onEvent != nil {
		onEvent = func(ev instance.Event) { sm.onEvent(sessionID, ev) }
	}
	wc := newWAClient(handle, sm.deps.AuthStore, sm.logger, onEvent)

	sm.mu.Lock()
	sm.clients[sessionID] = wc
	sm.mu.Unlock()

	if err := wc.Connect(context.Background()); err != nil {
		sm.logger.Warnf("connect %s: %v", sessionID, err)
	}

	return wc, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID string) (*WAClient, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	wc, exists := sm.clients[sessionID]
	return wc, exists
}

// DeleteSession removes and disconnects a session
func (sm *SessionManager) DeleteSession(sessionID string) error {
	sm.mu.Lock()
	wc, exists := sm.clients[sessionID]
	if !exists {
		sm.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(sm.clients, sessionID)
	sm.mu.Unlock()

	if err := sm.manager.Delete(sessionID); err != nil {
		sm.logger.Warnf("delete instance %s: %v", sessionID, err)
	}
	wc.close()

	return nil
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*WAClient {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*WAClient, 0, len(sm.clients))
	for _, wc := range sm.clients {
		sessions = append(sessions, wc)
	}
	return sessions
}

// GetStats returns session statistics
func (sm *SessionManager) GetStats() SessionStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	stats := SessionStats{Total: len(sm.clients)}

	for _, wc := range sm.clients {
		switch wc.GetStatus() {
		case StatusReady:
			stats.Ready++
			stats.Active++
		case StatusConnecting, StatusQRReady:
			stats.Initializing++
		case StatusDisconnected:
			// Not counted as active
		}
	}

	return stats
}

// DisconnectAll disconnects all sessions, leaving them registered.
func (sm *SessionManager) DisconnectAll() {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ctx := context.Background()
	for _, wc := range sm.clients {
		wc.Disconnect(ctx)
	}
}

// SessionStats holds session statistics
type SessionStats struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Ready        int `json:"ready"`
	Initializing int `json:"initializing"`
}
