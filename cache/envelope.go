package cache

import (
	"bytes"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Entries are stored as a small protobuf message:
//
//	message Envelope {
//	  bytes  value      = 1;
//	  repeated string indexes = 2;
//	  int64  expires_at = 3; // unix nanoseconds, 0 = never
//	}
const (
	fieldValue     protowire.Number = 1
	fieldIndexes   protowire.Number = 2
	fieldExpiresAt protowire.Number = 3
)

func encodeEntry(e *Entry) []byte {
	size := len(e.Value) + 16
	for _, ix := range e.Indexes {
		size += len(ix) + 4
	}
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Value)
	for _, ix := range e.Indexes {
		b = protowire.AppendTag(b, fieldIndexes, protowire.BytesType)
		b = protowire.AppendString(b, ix)
	}
	if !e.ExpiresAt.IsZero() {
		b = protowire.AppendTag(b, fieldExpiresAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.ExpiresAt.UnixNano()))
	}
	return b
}

func decodeEntry(key string, b []byte) (*Entry, error) {
	e := &Entry{Key: key, Value: []byte{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode entry %q: %w", key, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("decode entry %q value: %w", key, protowire.ParseError(m))
			}
			e.Value = bytes.Clone(v)
			n = m
		case num == fieldIndexes && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("decode entry %q index: %w", key, protowire.ParseError(m))
			}
			e.Indexes = append(e.Indexes, v)
			n = m
		case num == fieldExpiresAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("decode entry %q expiry: %w", key, protowire.ParseError(m))
			}
			if v != 0 {
				e.ExpiresAt = time.Unix(0, int64(v))
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("decode entry %q: %w", key, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return e, nil
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
