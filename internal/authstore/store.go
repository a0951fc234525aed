// Package authstore persists per-instance AuthState across restarts.
// Grounded on original_source/src/db/auth_store.rs's AuthStore trait and
// its Postgres/in-memory implementations.
package authstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/chatwarp/waconnect-go/internal/waproto"
)

// ErrNotFound is returned by backends that distinguish "no row" from a
// real I/O error, though Store.Load never needs to surface it: a
// successful absence is (nil, nil).
var ErrNotFound = errors.New("authstore: not found")

// Store is the generic persistence contract for instance auth state.
// A successful absence returns (nil, nil), not an error.
type Store interface {
	Load(ctx context.Context, instanceName string) (*waproto.AuthState, error)
	Save(ctx context.Context, instanceName string, state *waproto.AuthState) error
}

func marshal(state *waproto.AuthState) ([]byte, error) {
	return json.Marshal(state)
}

func unmarshal(data []byte) (*waproto.AuthState, error) {
	var state waproto.AuthState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
