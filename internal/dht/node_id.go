package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

const (
	// IDLength is the width of a node identifier in bytes.
	IDLength = 20
	// IDBits is the width of a node identifier in bits. It is also the rank of
	// the zero distance, which only the local node can have.
	IDBits = IDLength * 8

	correlationIDLength = IDLength
)

// NodeID identifies a peer and doubles as the key space of the table.
type NodeID [IDLength]byte

// NewNodeID draws a random identifier from the operating system's CSPRNG.
func NewNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, fmt.Errorf("entropy source: %w", err)
	}
	return id, nil
}

// NewCorrelationID returns a fresh request identifier using the same
// generator as node identifiers.
func NewCorrelationID() ([]byte, error) {
	id := make([]byte, correlationIDLength)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("entropy source: %w", err)
	}
	return id, nil
}

// ParseNodeID decodes a hex encoded identifier. The input must be exactly
// 2*IDLength hex characters.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != hex.EncodedLen(IDLength) {
		return id, fmt.Errorf("node id must be %d hex characters, got %d", hex.EncodedLen(IDLength), len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid node id: %w", err)
	}
	return id, nil
}

// HashKey maps arbitrary bytes onto the identifier space.
func HashKey(data []byte) NodeID {
	sum := blake2b.Sum256(data)
	var id NodeID
	copy(id[:], sum[:IDLength])
	return id
}

// String returns the hex representation of the identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for log lines.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether every bit of the identifier is unset.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Distance returns the XOR distance between two identifiers.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Compare orders identifiers (and therefore distances) as big-endian
// unsigned integers.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id is strictly smaller than other.
func (id NodeID) Less(other NodeID) bool {
	return id.Compare(other) < 0
}

// Rank returns the number of leading zero bits of a distance. Closer peers
// share more high-order bits with the local node and get a higher rank.
func Rank(d NodeID) int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits
}

// RandomIDInBucket returns an identifier whose distance to self has exactly
// rank leading zero bits. For rank == IDBits the result is self.
func RandomIDInBucket(self NodeID, rank int) (NodeID, error) {
	if rank < 0 || rank > IDBits {
		return NodeID{}, fmt.Errorf("rank %d out of range [0, %d]", rank, IDBits)
	}
	if rank == IDBits {
		return self, nil
	}

	d, err := NewNodeID()
	if err != nil {
		return NodeID{}, err
	}

	// Clear the prefix, set the bit at position rank, keep the random tail.
	byteIdx, bitIdx := rank/8, uint(rank%8)
	for i := 0; i < byteIdx; i++ {
		d[i] = 0
	}
	mask := byte(0x80) >> bitIdx
	d[byteIdx] &= mask - 1
	d[byteIdx] |= mask

	return self.Distance(d), nil
}
