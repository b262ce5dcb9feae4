package dispatch

import (
	"context"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// PendingStore is the durable staging area. Implementations must make Stage
// and Acknowledge atomic per (device, message id) and return storage errors.
type PendingStore interface {
	Stage(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error
	Drain(ctx context.Context, device pubkey.DeviceID) ([]*outgoing.Message, error)
	Acknowledge(ctx context.Context, device pubkey.DeviceID, messageID string) error
	StagedDevices(ctx context.Context) ([]pubkey.DeviceID, error)
}

// SessionManager owns secure channel state. RequestSessionIfNeeded must be
// idempotent and must not block on the handshake.
type SessionManager interface {
	HasSession(ctx context.Context, device pubkey.DeviceID) (bool, error)
	RequestSessionIfNeeded(ctx context.Context, device pubkey.DeviceID)
}

// Transport delivers one message to one device.
type Transport interface {
	Deliver(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error
}

// OpenGroupTransport posts a message to an open group server.
type OpenGroupTransport interface {
	Post(ctx context.Context, msg *outgoing.Message) error
}

// Directory answers roster lookups.
type Directory interface {
	LinkedDevices(ctx context.Context, userID string) ([]pubkey.DeviceID, error)
	OwnDevices(ctx context.Context) ([]pubkey.DeviceID, error)
	GroupMembers(ctx context.Context, groupID string) ([]pubkey.DeviceID, error)
}

// Conversations exposes the conversation metadata the dispatcher needs.
type Conversations interface {
	IsMediumGroup(ctx context.Context, id string) (bool, error)
}
