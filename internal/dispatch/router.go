package dispatch

import (
	"context"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// SyncRouter splits a send into the direct branch and the self-sync branch.
type SyncRouter struct {
	resolver *Resolver
}

// NewSyncRouter returns a router resolving own devices through resolver.
func NewSyncRouter(resolver *Resolver) *SyncRouter {
	return &SyncRouter{resolver: resolver}
}

// Split decides where msg goes. When msg is not syncable, or its sync wrapper
// vetoes replication, recipients come back unchanged with no sync branch.
// Otherwise the primary branch is the symmetric difference of recipients and
// own devices (own devices absent from recipients are added, not dropped) and
// the sync branch is every own device.
func (r *SyncRouter) Split(ctx context.Context, msg *outgoing.Message, recipients pubkey.Set) (primary, syncRecipients pubkey.Set, syncMsg *outgoing.Message, err error) {
	if !msg.Syncable() {
		return recipients, pubkey.NewSet(), nil, nil
	}

	wrapper := outgoing.Wrap(msg)
	if !wrapper.Syncable() {
		return recipients, pubkey.NewSet(), nil, nil
	}

	own, err := r.resolver.OwnDevices(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return pubkey.SymmetricDifference(recipients, own), own, wrapper, nil
}
