package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// HasSession reports whether a secure channel has been recorded for device.
func (s *Store) HasSession(ctx context.Context, device pubkey.DeviceID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session WHERE device = ?", string(device),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: load session: %w", err)
	}
	return n > 0, nil
}

// StoreSession records a secure channel for device along with the identity
// key it was established against.
func (s *Store) StoreSession(ctx context.Context, device pubkey.DeviceID, identityKey []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO session (device, identity_key, established_at) VALUES (?, ?, ?)",
		string(device), identityKey, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// ArchiveSession deletes the session for device.
// This forces the next drain to request a new session before queuing anything.
func (s *Store) ArchiveSession(ctx context.Context, device pubkey.DeviceID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM session WHERE device = ?", string(device))
	if err != nil {
		return fmt.Errorf("store: archive session: %w", err)
	}
	return nil
}
