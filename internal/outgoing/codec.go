package outgoing

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the encoded message. Never renumber: staged records outlive releases.
const (
	fieldID          protowire.Number = 1
	fieldTimestamp   protowire.Number = 2
	fieldKind        protowire.Number = 3
	fieldBody        protowire.Number = 4
	fieldDestination protowire.Number = 5
	fieldSync        protowire.Number = 6
	fieldWrapped     protowire.Number = 7
)

// maxWrapDepth bounds nested sync wrappers when decoding untrusted bytes.
const maxWrapDepth = 4

// Marshal encodes m in protobuf wire format.
func Marshal(m *Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, m.ID)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Timestamp)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if len(m.Body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Body)
	}
	if m.Destination != "" {
		b = protowire.AppendTag(b, fieldDestination, protowire.BytesType)
		b = protowire.AppendString(b, m.Destination)
	}
	if m.Sync {
		b = protowire.AppendTag(b, fieldSync, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.Wrapped != nil {
		b = protowire.AppendTag(b, fieldWrapped, protowire.BytesType)
		b = protowire.AppendBytes(b, Marshal(m.Wrapped))
	}
	return b
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Message, error) {
	return unmarshal(b, 0)
}

func unmarshal(b []byte, depth int) (*Message, error) {
	if depth > maxWrapDepth {
		return nil, errors.New("outgoing: sync wrappers nested too deep")
	}
	m := new(Message)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("outgoing: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: id: %w", protowire.ParseError(n))
			}
			m.ID, b = v, b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: timestamp: %w", protowire.ParseError(n))
			}
			m.Timestamp, b = v, b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: kind: %w", protowire.ParseError(n))
			}
			m.Kind, b = Kind(v), b[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: body: %w", protowire.ParseError(n))
			}
			m.Body, b = append([]byte(nil), v...), b[n:]
		case num == fieldDestination && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: destination: %w", protowire.ParseError(n))
			}
			m.Destination, b = v, b[n:]
		case num == fieldSync && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: sync: %w", protowire.ParseError(n))
			}
			m.Sync, b = protowire.DecodeBool(v), b[n:]
		case num == fieldWrapped && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: wrapped: %w", protowire.ParseError(n))
			}
			inner, err := unmarshal(v, depth+1)
			if err != nil {
				return nil, err
			}
			m.Wrapped, b = inner, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("outgoing: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.ID == "" {
		return nil, errors.New("outgoing: missing id")
	}
	return m, nil
}
