package util

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// NewUUID returns a new base58 encoded UUID
func NewUUID() string {
	id := uuid.New()
	return base58.Encode(id[:])
}

// NewUint64 folds a random UUID into 64 bits. Folding both halves together keeps
// the fixed version and variant bits from showing through.
func NewUint64() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:])
}
