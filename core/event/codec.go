package event

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"

	"github.com/crosstown-labs/crosstown/settlement"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
)

// Compact wire format carried in a packet's data field. The first byte
// selects between a bare event and the claim envelope; every variable-size
// field is uvarint length-prefixed so the encoding is self-delimiting.
const (
	formatBare     = 0x01
	formatEnvelope = 0x02
)

const (
	idLen     = 32
	pubkeyLen = 32
	sigLen    = 64
)

// Encode serializes the event into its compact bare form. Field order is
// fixed: id, pubkey, created_at, kind, tags, content, sig.
func Encode(ev *nostr.Event) ([]byte, error) {
	body, err := encodeBody(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, formatBare)
	return append(out, body...), nil
}

// EncodeWithClaim serializes the event together with a payment-channel
// claim sidecar, both length-prefixed inside the envelope form.
func EncodeWithClaim(ev *nostr.Event, claim *settlement.SignedClaim) ([]byte, error) {
	body, err := encodeBody(ev)
	if err != nil {
		return nil, err
	}
	claimBody := encodeClaim(claim)
	var buf bytes.Buffer
	buf.WriteByte(formatEnvelope)
	writeUvarint(&buf, uint64(len(body)))
	buf.Write(body)
	writeUvarint(&buf, uint64(len(claimBody)))
	buf.Write(claimBody)
	return buf.Bytes(), nil
}

// Decode parses either compact form, returning the event and the claim
// sidecar when one was carried. Any structural violation yields
// ErrInvalidEvent.
func Decode(data []byte) (*nostr.Event, *settlement.SignedClaim, error) {
	if len(data) == 0 {
		return nil, nil, errors.Wrap(ErrInvalidEvent, "empty data")
	}
	switch data[0] {
	case formatBare:
		ev, err := decodeBody(data[1:])
		if err != nil {
			return nil, nil, err
		}
		return ev, nil, nil
	case formatEnvelope:
		r := &byteReader{buf: data[1:]}
		body, err := r.bytesField(math.MaxInt32)
		if err != nil {
			return nil, nil, errors.Wrap(ErrInvalidEvent, "truncated envelope event")
		}
		claimBody, err := r.bytesField(math.MaxInt32)
		if err != nil {
			return nil, nil, errors.Wrap(ErrInvalidEvent, "truncated envelope claim")
		}
		if r.len() != 0 {
			return nil, nil, errors.Wrap(ErrInvalidEvent, "trailing bytes after envelope")
		}
		ev, err := decodeBody(body)
		if err != nil {
			return nil, nil, err
		}
		claim, err := decodeClaim(claimBody)
		if err != nil {
			return nil, nil, err
		}
		return ev, claim, nil
	default:
		return nil, nil, errors.Wrapf(ErrInvalidEvent, "unknown format byte %#x", data[0])
	}
}

func encodeBody(ev *nostr.Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.Wrap(ErrInvalidEvent, "nil event")
	}
	id, err := fixedHex(ev.ID, idLen)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid id hex")
	}
	pubkey, err := fixedHex(ev.PubKey, pubkeyLen)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid pubkey hex")
	}
	sig, err := fixedHex(ev.Sig, sigLen)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid sig hex")
	}
	if ev.CreatedAt < 0 || ev.Kind < 0 {
		return nil, errors.Wrap(ErrInvalidEvent, "negative created_at or kind")
	}
	var buf bytes.Buffer
	buf.Write(id)
	buf.Write(pubkey)
	writeUvarint(&buf, uint64(ev.CreatedAt))
	writeUvarint(&buf, uint64(ev.Kind))
	writeUvarint(&buf, uint64(len(ev.Tags)))
	for _, tag := range ev.Tags {
		writeUvarint(&buf, uint64(len(tag)))
		for _, elem := range tag {
			writeUvarint(&buf, uint64(len(elem)))
			buf.WriteString(elem)
		}
	}
	writeUvarint(&buf, uint64(len(ev.Content)))
	buf.WriteString(ev.Content)
	buf.Write(sig)
	return buf.Bytes(), nil
}

func decodeBody(body []byte) (*nostr.Event, error) {
	r := &byteReader{buf: body}
	id, err := r.fixed(idLen)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "truncated id")
	}
	pubkey, err := r.fixed(pubkeyLen)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "truncated pubkey")
	}
	createdAt, err := r.uvarint()
	if err != nil || createdAt > math.MaxInt64 {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid created_at")
	}
	kind, err := r.uvarint()
	if err != nil || kind > math.MaxInt32 {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid kind")
	}
	nTags, err := r.uvarint()
	if err != nil || nTags > uint64(r.len()) {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid tag count")
	}
	tags := make(nostr.Tags, 0, nTags)
	for i := uint64(0); i < nTags; i++ {
		nElems, err := r.uvarint()
		if err != nil || nElems > uint64(r.len()) {
			return nil, errors.Wrap(ErrInvalidEvent, "invalid tag row")
		}
		tag := make(nostr.Tag, 0, nElems)
		for j := uint64(0); j < nElems; j++ {
			elem, err := r.bytesField(r.len())
			if err != nil {
				return nil, errors.Wrap(ErrInvalidEvent, "truncated tag element")
			}
			tag = append(tag, string(elem))
		}
		tags = append(tags, tag)
	}
	content, err := r.bytesField(r.len())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "truncated content")
	}
	sig, err := r.fixed(sigLen)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "truncated sig")
	}
	if r.len() != 0 {
		return nil, errors.Wrap(ErrInvalidEvent, "trailing bytes after event")
	}
	return &nostr.Event{
		ID:        hex.EncodeToString(id),
		PubKey:    hex.EncodeToString(pubkey),
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      int(kind),
		Tags:      tags,
		Content:   string(content),
		Sig:       hex.EncodeToString(sig),
	}, nil
}

func encodeClaim(claim *settlement.SignedClaim) []byte {
	var buf bytes.Buffer
	buf.Write(claim.ChannelID[:])
	writeUvarint(&buf, claim.Nonce)
	writeUvarint(&buf, claim.Amount)
	writeUvarint(&buf, uint64(len(claim.Signature)))
	buf.Write(claim.Signature)
	return buf.Bytes()
}

func decodeClaim(body []byte) (*settlement.SignedClaim, error) {
	r := &byteReader{buf: body}
	chanID, err := r.fixed(32)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "truncated channel id")
	}
	nonce, err := r.uvarint()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid claim nonce")
	}
	amount, err := r.uvarint()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "invalid claim amount")
	}
	sig, err := r.bytesField(r.len())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, "truncated claim signature")
	}
	if r.len() != 0 {
		return nil, errors.Wrap(ErrInvalidEvent, "trailing bytes after claim")
	}
	claim := &settlement.SignedClaim{Nonce: nonce, Amount: amount, Signature: sig}
	copy(claim.ChannelID[:], chanID)
	return claim, nil
}

func fixedHex(s string, want int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != want {
		return nil, errors.Errorf("expected %d bytes, got %d", want, len(raw))
	}
	return raw, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

type byteReader struct {
	buf []byte
}

func (r *byteReader) len() int {
	return len(r.buf)
}

func (r *byteReader) fixed(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.buf = r.buf[n:]
	return v, nil
}

// bytesField reads a uvarint length followed by that many bytes, rejecting
// lengths beyond max.
func (r *byteReader) bytesField(max int) ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(max) || n > uint64(len(r.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	return r.fixed(int(n))
}
