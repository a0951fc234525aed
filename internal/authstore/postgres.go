package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/chatwarp/waconnect-go/internal/waproto"
)

// PostgresStore is a relational Store backed by the schema
// auth_states(instance_name PK, state_json text, updated_at timestamp),
// grounded on auth_store.rs's PgAuthStore/AuthRepo pairing.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn (a standard
// "postgres://..." DSN, consumed by the lib/pq driver) and ensures the
// auth_states table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("authstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("authstore: ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS auth_states (
		instance_name TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("authstore: ensure schema: %w", err)
	}
	return nil
}

// Load returns the persisted state for instanceName, or (nil, nil) if no
// row exists.
func (s *PostgresStore) Load(ctx context.Context, instanceName string) (*waproto.AuthState, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM auth_states WHERE instance_name = $1`, instanceName,
	).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authstore: load %q: %w", instanceName, err)
	}
	return unmarshal([]byte(stateJSON))
}

// Save upserts the persisted state for instanceName.
func (s *PostgresStore) Save(ctx context.Context, instanceName string, state *waproto.AuthState) error {
	data, err := marshal(state)
	if err != nil {
		return fmt.Errorf("authstore: marshal %q: %w", instanceName, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_states (instance_name, state_json, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (instance_name) DO UPDATE
		SET state_json = EXCLUDED.state_json, updated_at = now()
	`, instanceName, string(data))
	if err != nil {
		return fmt.Errorf("authstore: save %q: %w", instanceName, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
