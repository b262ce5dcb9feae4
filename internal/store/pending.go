package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// ErrNoAccount is returned by lookups that need the local account before one was saved.
var ErrNoAccount = errors.New("store: no account")

// Stage records msg as owed to device. Staging the same message id for the
// same device again is a no-op and keeps the original position.
func (s *Store) Stage(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_message (device, message_id, record, staged_at)
		 VALUES (?, ?, ?, ?)`,
		string(device), msg.ID, outgoing.Marshal(msg), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: stage %s for %s: %w", msg.ID, device.Short(), err)
	}
	return nil
}

// Drain returns the messages staged for device, oldest first. Nothing is removed.
func (s *Store) Drain(ctx context.Context, device pubkey.DeviceID) ([]*outgoing.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT record FROM pending_message WHERE device = ? ORDER BY seq",
		string(device),
	)
	if err != nil {
		return nil, fmt.Errorf("store: drain %s: %w", device.Short(), err)
	}
	defer rows.Close()

	var msgs []*outgoing.Message
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("store: scan pending: %w", err)
		}
		msg, err := outgoing.Unmarshal(record)
		if err != nil {
			return nil, fmt.Errorf("store: decode pending: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate pending: %w", err)
	}
	return msgs, nil
}

// Acknowledge removes a delivered message. Removing an absent entry is not an error.
func (s *Store) Acknowledge(ctx context.Context, device pubkey.DeviceID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_message WHERE device = ? AND message_id = ?",
		string(device), messageID,
	)
	if err != nil {
		return fmt.Errorf("store: acknowledge %s for %s: %w", messageID, device.Short(), err)
	}
	return nil
}

// StagedDevices lists every device with at least one staged message.
func (s *Store) StagedDevices(ctx context.Context) ([]pubkey.DeviceID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT device FROM pending_message ORDER BY device")
	if err != nil {
		return nil, fmt.Errorf("store: staged devices: %w", err)
	}
	defer rows.Close()

	var devices []pubkey.DeviceID
	for rows.Next() {
		var device string
		if err := rows.Scan(&device); err != nil {
			return nil, fmt.Errorf("store: scan staged device: %w", err)
		}
		devices = append(devices, pubkey.DeviceID(device))
	}
	return devices, rows.Err()
}

// PendingCount returns the number of staged entries across all devices.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_message").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

// OwnDevices returns the local user's linked devices, excluding the device
// this process runs as.
func (s *Store) OwnDevices(ctx context.Context) ([]pubkey.DeviceID, error) {
	acct, err := s.LoadAccount()
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNoAccount
	}
	devices, err := s.LinkedDevices(ctx, acct.UserID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(devices, func(d pubkey.DeviceID) bool { return d == acct.DeviceID }), nil
}
