package store

import (
	"encoding/json"
	"fmt"

	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// Account identifies the local user and the device this process runs as.
// UserID is the primary device's id; every linked device is filed under it.
type Account struct {
	UserID     string          `json:"userId"`
	DeviceID   pubkey.DeviceID `json:"deviceId"`
	PrivateKey []byte          `json:"privateKey,omitempty"`
	Name       string          `json:"name,omitempty"`
}

const accountKey = "account"

// SaveAccount persists the account to the database.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount loads the account from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}
