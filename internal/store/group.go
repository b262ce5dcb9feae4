package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// Group is a closed group stored locally.
type Group struct {
	GroupID   string
	Name      string
	Medium    bool // addressed through the group's own key rather than per member
	Members   []pubkey.DeviceID
	UpdatedAt time.Time
}

// groupKey returns the stored form of a group id. Ids that are device keys
// (medium groups) are kept in canonical lowercase form so lookups match the
// device the dispatcher stages under.
func groupKey(id string) string {
	if d, err := pubkey.Parse(id); err == nil {
		return d.String()
	}
	return id
}

// SaveGroup stores or updates a group record and replaces its member list.
// A medium group's id must be a device key.
func (s *Store) SaveGroup(ctx context.Context, g *Group) error {
	if g.Medium {
		if _, err := pubkey.Parse(g.GroupID); err != nil {
			return fmt.Errorf("store: medium group id: %w", err)
		}
	}
	id := groupKey(g.GroupID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO groups (group_id, name, medium, updated_at)
		 VALUES (?, ?, ?, ?)`,
		id, g.Name, g.Medium, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM group_member WHERE group_id = ?", id); err != nil {
		return fmt.Errorf("store: delete members: %w", err)
	}
	for _, m := range g.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO group_member (group_id, device) VALUES (?, ?)",
			id, string(m),
		); err != nil {
			return fmt.Errorf("store: insert member %s: %w", m.Short(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetGroup retrieves a group and its members. Returns nil, nil if unknown.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	var g Group
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT group_id, name, medium, updated_at FROM groups WHERE group_id = ?",
		groupKey(groupID),
	).Scan(&g.GroupID, &g.Name, &g.Medium, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get group: %w", err)
	}
	g.UpdatedAt = time.Unix(updatedAt, 0)

	g.Members, err = s.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GroupMembers returns the member devices of a group, ordered by device id.
func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]pubkey.DeviceID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT device FROM group_member WHERE group_id = ? ORDER BY device", groupKey(groupID),
	)
	if err != nil {
		return nil, fmt.Errorf("store: get members: %w", err)
	}
	defer rows.Close()

	var members []pubkey.DeviceID
	for rows.Next() {
		var device string
		if err := rows.Scan(&device); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		members = append(members, pubkey.DeviceID(device))
	}
	return members, rows.Err()
}

// IsMediumGroup reports whether id names a group flagged as medium.
// Unknown ids are not medium groups.
func (s *Store) IsMediumGroup(ctx context.Context, id string) (bool, error) {
	var medium bool
	err := s.db.QueryRowContext(ctx,
		"SELECT medium FROM groups WHERE group_id = ?", groupKey(id),
	).Scan(&medium)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: get group kind: %w", err)
	}
	return medium, nil
}
