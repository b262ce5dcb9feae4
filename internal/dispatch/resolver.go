package dispatch

import (
	"context"

	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// Resolver turns logical targets into device sets. It has no state of its own.
type Resolver struct {
	dir Directory
}

// NewResolver returns a resolver backed by dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// LinkedDevices resolves every device linked to userID.
func (r *Resolver) LinkedDevices(ctx context.Context, userID string) (pubkey.Set, error) {
	devices, err := r.dir.LinkedDevices(ctx, userID)
	if err != nil {
		return nil, &ResolutionError{Target: "user:" + userID, Err: err}
	}
	return pubkey.NewSet(devices...), nil
}

// OwnDevices resolves our other linked devices.
func (r *Resolver) OwnDevices(ctx context.Context) (pubkey.Set, error) {
	devices, err := r.dir.OwnDevices(ctx)
	if err != nil {
		return nil, &ResolutionError{Target: "own-devices", Err: err}
	}
	return pubkey.NewSet(devices...), nil
}

// GroupMembers resolves the member devices of a closed group.
func (r *Resolver) GroupMembers(ctx context.Context, groupID string) (pubkey.Set, error) {
	devices, err := r.dir.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, &ResolutionError{Target: "group:" + groupID, Err: err}
	}
	return pubkey.NewSet(devices...), nil
}
