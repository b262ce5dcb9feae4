// Package outgoing defines the messages handed to the dispatch layer.
package outgoing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags what a message carries and how it is routed.
type Kind uint8

const (
	KindContent        Kind = iota + 1 // visible 1:1 content
	KindReceipt                        // read receipts, typing indicators
	KindClosedGroup                    // closed group content, fanned out per member
	KindOpenGroup                      // open group post, server is the delivery authority
	KindSync                           // replica of another message for our own devices
	KindSessionControl                 // secure channel reset / teardown
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindReceipt:
		return "receipt"
	case KindClosedGroup:
		return "closed-group"
	case KindOpenGroup:
		return "open-group"
	case KindSync:
		return "sync"
	case KindSessionControl:
		return "session-control"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// syncEligible reports whether messages of this kind are mirrored to our other devices.
func (k Kind) syncEligible() bool {
	return k == KindContent || k == KindClosedGroup
}

// Message is an immutable outgoing message. ID is stable across retries of the
// same logical send and is the dedup key everywhere downstream.
type Message struct {
	ID          string
	Timestamp   uint64 // unix milliseconds
	Kind        Kind
	Body        []byte
	Destination string // group or room id; empty for 1:1 messages
	Sync        bool   // sender asks for self-device replication
	Wrapped     *Message
}

// Syncable reports whether the message must be replicated to our own devices.
// A sync wrapper answers for its content: it is syncable only when the wrapped
// kind is eligible for replication, regardless of what the content claimed.
func (m *Message) Syncable() bool {
	if m.Kind == KindSync {
		return m.Wrapped != nil && m.Wrapped.Kind.syncEligible()
	}
	return m.Sync
}

// syncNamespace seeds the deterministic ids of sync wrappers.
var syncNamespace = uuid.MustParse("1e5f6a0c-3c43-4c55-8e57-4b0c3c1a9d3e")

// Wrap builds the sync replica of m. The wrapper id is derived from m.ID so a
// retried send stages the same wrapper instead of a new one.
func Wrap(m *Message) *Message {
	return &Message{
		ID:          uuid.NewSHA1(syncNamespace, []byte(m.ID)).String(),
		Timestamp:   m.Timestamp,
		Kind:        KindSync,
		Destination: m.Destination,
		Wrapped:     m,
	}
}

func newMessage(kind Kind, body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: uint64(time.Now().UnixMilli()),
		Kind:      kind,
		Body:      body,
	}
}

// NewContent returns a syncable 1:1 content message.
func NewContent(body []byte) *Message {
	m := newMessage(KindContent, body)
	m.Sync = true
	return m
}

// NewReceipt returns a receipt. Receipts are never mirrored.
func NewReceipt(body []byte) *Message {
	return newMessage(KindReceipt, body)
}

// NewClosedGroup returns a syncable message for the closed group groupID.
func NewClosedGroup(groupID string, body []byte) *Message {
	m := newMessage(KindClosedGroup, body)
	m.Destination = groupID
	m.Sync = true
	return m
}

// NewOpenGroup returns a post for the open group room roomID.
func NewOpenGroup(roomID string, body []byte) *Message {
	m := newMessage(KindOpenGroup, body)
	m.Destination = roomID
	return m
}

// NewSessionControl returns a session reset message.
func NewSessionControl() *Message {
	return newMessage(KindSessionControl, nil)
}
