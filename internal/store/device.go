package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// LinkedDevices returns the devices linked to a user, ordered by device id.
// Returns an empty slice if the user has no known devices.
func (s *Store) LinkedDevices(ctx context.Context, userID string) ([]pubkey.DeviceID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT device FROM linked_device WHERE user_id = ? ORDER BY device",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []pubkey.DeviceID
	for rows.Next() {
		var device string
		if err := rows.Scan(&device); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, pubkey.DeviceID(device))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// SetLinkedDevices replaces the device list for a user.
func (s *Store) SetLinkedDevices(ctx context.Context, userID string, devices []pubkey.DeviceID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM linked_device WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("store: delete devices: %w", err)
	}

	now := time.Now().Unix()
	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO linked_device (user_id, device, last_seen) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, device := range devices {
		if _, err := stmt.ExecContext(ctx, userID, string(device), now); err != nil {
			return fmt.Errorf("store: insert device %s: %w", device.Short(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// AddLinkedDevice adds a device to a user's list. Idempotent - no error if already exists.
func (s *Store) AddLinkedDevice(ctx context.Context, userID string, device pubkey.DeviceID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO linked_device (user_id, device, last_seen) VALUES (?, ?, ?)",
		userID, string(device), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: add device: %w", err)
	}
	return nil
}

// RemoveLinkedDevice removes a device from a user's list. Idempotent - no error if not found.
func (s *Store) RemoveLinkedDevice(ctx context.Context, userID string, device pubkey.DeviceID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM linked_device WHERE user_id = ? AND device = ?",
		userID, string(device),
	)
	if err != nil {
		return fmt.Errorf("store: remove device: %w", err)
	}
	return nil
}
