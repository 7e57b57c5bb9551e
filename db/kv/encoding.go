package kv

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/core/event"
)

// Stored values are the compact encoding of the event prefixed with the
// 8-byte big-endian received_at timestamp.
func encodeStored(ev *nostr.Event, receivedAt int64) ([]byte, error) {
	enc, err := event.Encode(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(enc))
	binary.BigEndian.PutUint64(out[:8], uint64(receivedAt))
	copy(out[8:], enc)
	return out, nil
}

func decodeStored(value []byte) (*event.Stored, error) {
	if len(value) < 8 {
		return nil, errors.New("stored value too short")
	}
	receivedAt := int64(binary.BigEndian.Uint64(value[:8]))
	ev, _, err := event.Decode(value[8:])
	if err != nil {
		return nil, err
	}
	return &event.Stored{Event: ev, ReceivedAt: receivedAt}, nil
}

// idKey converts a 64-char hex event id into its raw 32-byte bucket key.
func idKey(id string) ([]byte, error) {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, errors.Wrap(err, "invalid event id hex")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("invalid event id length %d", len(raw))
	}
	return raw, nil
}

func pubkeyKey(pubkey string) ([]byte, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pubkey hex")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("invalid pubkey length %d", len(raw))
	}
	return raw, nil
}

func kindKey(kind int) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(kind))
	return out
}

func createdAtKey(ts nostr.Timestamp) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(ts))
	return out
}

// createdAtIndexKey orders the main query index by created_at, then id, so
// a reverse cursor walk yields reverse-chronological order with ascending
// id tie-break reversed (callers re-sort ties).
func createdAtIndexKey(ts nostr.Timestamp, id []byte) []byte {
	out := make([]byte, 0, 40)
	out = append(out, createdAtKey(ts)...)
	return append(out, id...)
}

func pubkeyKindKey(pubkey []byte, kind int) []byte {
	out := make([]byte, 0, 36)
	out = append(out, pubkey...)
	return append(out, kindKey(kind)...)
}

func pubkeyKindDKey(pubkey []byte, kind int, dValue string) []byte {
	out := make([]byte, 0, 36+len(dValue))
	out = append(out, pubkeyKindKey(pubkey, kind)...)
	return append(out, dValue...)
}

func appendKey(prefix, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	return append(out, suffix...)
}
