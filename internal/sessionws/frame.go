package sessionws

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType distinguishes requests from responses on the socket.
type FrameType uint8

const (
	FrameRequest  FrameType = 1
	FrameResponse FrameType = 2
)

// Frame is one protobuf-encoded WebSocket message. Requests carry Verb, Path
// and Body; responses carry Status, Message and optionally Body. ID pairs a
// response with its request.
type Frame struct {
	Type    FrameType
	ID      uint64
	Verb    string
	Path    string
	Status  uint32
	Message string
	Body    []byte
}

const (
	fieldType    protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldVerb    protowire.Number = 3
	fieldPath    protowire.Number = 4
	fieldStatus  protowire.Number = 5
	fieldMessage protowire.Number = 6
	fieldBody    protowire.Number = 7
)

// MarshalFrame encodes f.
func MarshalFrame(f *Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.ID)
	if f.Verb != "" {
		b = protowire.AppendTag(b, fieldVerb, protowire.BytesType)
		b = protowire.AppendString(b, f.Verb)
	}
	if f.Path != "" {
		b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
		b = protowire.AppendString(b, f.Path)
	}
	if f.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Status))
	}
	if f.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, f.Message)
	}
	if len(f.Body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Body)
	}
	return b
}

// UnmarshalFrame decodes a frame. Unknown fields are skipped.
func UnmarshalFrame(b []byte) (*Frame, error) {
	f := new(Frame)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("sessionws: frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldType || num == fieldID || num == fieldStatus):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("sessionws: frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldType:
				f.Type = FrameType(v)
			case fieldID:
				f.ID = v
			case fieldStatus:
				f.Status = uint32(v)
			}
		case typ == protowire.BytesType && (num == fieldVerb || num == fieldPath || num == fieldMessage || num == fieldBody):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("sessionws: frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldVerb:
				f.Verb = string(v)
			case fieldPath:
				f.Path = string(v)
			case fieldMessage:
				f.Message = string(v)
			case fieldBody:
				f.Body = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("sessionws: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Type != FrameRequest && f.Type != FrameResponse {
		return nil, errors.New("sessionws: frame without type")
	}
	return f, nil
}
