package ring

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MinTokenSize is the smallest valid encoded token: just the counter.
const MinTokenSize = 8

// Token is the payload circulated around the ring. Every rank
// increments the counter on receipt before forwarding, so after K full
// circuits over P ranks the coordinator observes K*P increments.
// Padding beyond the counter models larger transfers without changing
// the protocol.
type Token struct {
	Value uint64
}

// Inc records one receipt.
func (t *Token) Inc() { t.Value++ }

// Encode writes the token into a fresh buffer of exactly size bytes:
// big-endian counter first, zero padding after.
func (t Token) Encode(size int) ([]byte, error) {
	if size < MinTokenSize {
		return nil, errors.Errorf("token size %d below minimum %d", size, MinTokenSize)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf, t.Value)
	return buf, nil
}

// DecodeToken parses a received token. The buffer must be exactly the
// configured size: a mismatch means sender and receiver disagree on the
// message size, which is fatal to the run.
func DecodeToken(buf []byte, size int) (Token, error) {
	if size < MinTokenSize {
		return Token{}, errors.Errorf("token size %d below minimum %d", size, MinTokenSize)
	}
	if len(buf) != size {
		return Token{}, errors.Errorf("token size mismatch: got %d bytes, want %d", len(buf), size)
	}
	return Token{Value: binary.BigEndian.Uint64(buf)}, nil
}
