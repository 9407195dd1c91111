package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// maxRegistrationHistory bounds the registrations table per relay.
const maxRegistrationHistory = 100

// Registration is one recorded successful registration.
type Registration struct {
	TunnelID     string
	Restored     bool
	RegisteredAt time.Time
}

// RelayState scopes tunnel state to a single relay URL. It satisfies the
// workstation client's state store contract.
type RelayState struct {
	store    *Store
	relayURL string
}

// ForRelay returns the state scope for relayURL.
func (s *Store) ForRelay(relayURL string) RelayState {
	return RelayState{store: s, relayURL: strings.TrimRight(strings.TrimSpace(relayURL), "/")}
}

// LoadTunnelID returns the remembered tunnel ID, or "" when none is stored.
func (r RelayState) LoadTunnelID(ctx context.Context) (string, error) {
	var id string
	err := r.store.db.QueryRowContext(ctx,
		`SELECT tunnel_id FROM tunnel_state WHERE relay_url = ?`, r.relayURL).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// SaveTunnelID remembers id for the relay, replacing any previous value.
func (r RelayState) SaveTunnelID(ctx context.Context, id string) error {
	_, err := r.store.db.ExecContext(ctx, `
INSERT INTO tunnel_state(relay_url, tunnel_id, updated_at) VALUES(?, ?, ?)
ON CONFLICT(relay_url) DO UPDATE SET tunnel_id = excluded.tunnel_id, updated_at = excluded.updated_at`,
		r.relayURL, id, time.Now().UTC())
	return err
}

// ClearTunnelID forgets the relay's tunnel ID.
func (r RelayState) ClearTunnelID(ctx context.Context) error {
	_, err := r.store.db.ExecContext(ctx, `DELETE FROM tunnel_state WHERE relay_url = ?`, r.relayURL)
	return err
}

// RecordRegistration appends to the registration history and trims it.
func (r RelayState) RecordRegistration(ctx context.Context, tunnelID string, restored bool) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	restoredInt := 0
	if restored {
		restoredInt = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO registrations(relay_url, tunnel_id, restored, registered_at) VALUES(?, ?, ?, ?)`,
		r.relayURL, tunnelID, restoredInt, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM registrations WHERE relay_url = ? AND id NOT IN (
	SELECT id FROM registrations WHERE relay_url = ? ORDER BY id DESC LIMIT ?
)`, r.relayURL, r.relayURL, maxRegistrationHistory); err != nil {
		return err
	}
	return tx.Commit()
}

// Registrations returns up to limit recorded registrations, newest first.
func (r RelayState) Registrations(ctx context.Context, limit int) ([]Registration, error) {
	if limit <= 0 {
		limit = maxRegistrationHistory
	}
	rows, err := r.store.db.QueryContext(ctx, `
SELECT tunnel_id, restored, registered_at FROM registrations
WHERE relay_url = ? ORDER BY id DESC LIMIT ?`, r.relayURL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var (
			reg      Registration
			restored int
		)
		if err := rows.Scan(&reg.TunnelID, &restored, &reg.RegisteredAt); err != nil {
			return nil, err
		}
		reg.Restored = restored == 1
		out = append(out, reg)
	}
	return out, rows.Err()
}
