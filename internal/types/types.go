// Package types defines the content hashes used to identify programs and
// machine states.
//
// Both hashes are 32 bytes and use base58 for their text form, so they can
// be passed through JSON and URLs unchanged.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// HashSize is the size of every hash in this package.
const HashSize = 32

var (
	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")
)

// Hash is a 32-byte digest.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	data, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hex decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ProgramID identifies a program image by content.
type ProgramID = Hash

// ComputeProgramID returns the BLAKE3-256 digest of a program image.
func ComputeProgramID(image []byte) ProgramID {
	return blake3.Sum256(image)
}

// ParseProgramID parses the base58 text form of a ProgramID.
func ParseProgramID(s string) (ProgramID, error) {
	return HashFromBase58(s)
}

// ComputeStateHash returns the SHA3-256 digest of a machine state: the
// program counter, integer registers, float registers (as IEEE-754 bits)
// and memory, each little-endian.
func ComputeStateHash(pc uint64, ints []int64, floats []float64, mem []byte) Hash {
	h := sha3.New256()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], pc)
	h.Write(buf[:])
	for _, v := range ints {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	for _, f := range floats {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	h.Write(mem)

	var out Hash
	h.Sum(out[:0])
	return out
}
