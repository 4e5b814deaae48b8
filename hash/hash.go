package hash

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
)

type Hash struct {
	hash hash.Hash
}

func NewHash(hash hash.Hash) *Hash {
	return &Hash{
		hash: hash,
	}
}

func (h *Hash) Key() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

func (h *Hash) Write(args ...[]byte) error {
	for _, arg := range args {
		_, err := h.hash.Write(arg)
		if err != nil {
			return err
		}
	}

	return nil
}

// LockID folds the digest into a Postgres advisory lock identifier.
// The result always fits within the positive range of an int64 (0 to 2^63 - 1).
func (h *Hash) LockID() (int64, error) {
	return LockIDFromKey(h.Key())
}

// LockIDFromKey converts a hex encoded digest produced by Key into an advisory lock identifier.
func LockIDFromKey(key string) (int64, error) {
	decoded, err := hex.DecodeString(key)
	if err != nil {
		return 0, err
	}
	if len(decoded) < 8 {
		return 0, errors.New("hash digest shorter than 8 bytes")
	}

	return int64(binary.BigEndian.Uint64(decoded[:8]) & 0x7FFFFFFFFFFFFFFF), nil
}
