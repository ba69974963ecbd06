package dht

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idWithPrefix returns an id whose first byte is b and whose last byte is
// tail, everything else zero.
func idWithPrefix(b byte, tail byte) NodeID {
	var id NodeID
	id[0] = b
	id[IDLength-1] = tail
	return id
}

func TestDistance(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, err := NewNodeID()
		require.NoError(t, err)
		b, err := NewNodeID()
		require.NoError(t, err)

		assert.Equal(t, a.Distance(b), b.Distance(a), "distance must be symmetric")
		assert.True(t, a.Distance(a).IsZero(), "distance to self must be zero")
		assert.Equal(t, IDBits, Rank(a.Distance(a)))
	}
}

func TestDistanceComposes(t *testing.T) {
	// d(a,c) = d(a,b) ^ d(b,c), which bounds d(a,c) by d(a,b) + d(b,c).
	a, _ := NewNodeID()
	b, _ := NewNodeID()
	c, _ := NewNodeID()
	assert.Equal(t, a.Distance(c), a.Distance(b).Distance(b.Distance(c)))
}

func TestRank(t *testing.T) {
	tests := []struct {
		name string
		d    NodeID
		want int
	}{
		{"zero", NodeID{}, IDBits},
		{"top bit", idWithPrefix(0x80, 0), 0},
		{"second bit", idWithPrefix(0x40, 0), 1},
		{"third bit", idWithPrefix(0x20, 0), 2},
		{"last bit", idWithPrefix(0, 0x01), IDBits - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rank(tt.d))
		})
	}

	t.Run("closer distances rank higher", func(t *testing.T) {
		assert.Greater(t, Rank(idWithPrefix(0x01, 0)), Rank(idWithPrefix(0x10, 0)))
	})
}

func TestParseNodeID(t *testing.T) {
	id, err := NewNodeID()
	require.NoError(t, err)

	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseNodeID("abcd")
	assert.Error(t, err)

	_, err = ParseNodeID(strings.Repeat("zz", IDLength))
	assert.Error(t, err)
}

func TestRandomIDInBucket(t *testing.T) {
	self, err := NewNodeID()
	require.NoError(t, err)

	for _, rank := range []int{0, 1, 7, 8, 9, 63, IDBits - 1} {
		id, err := RandomIDInBucket(self, rank)
		require.NoError(t, err)
		assert.Equal(t, rank, Rank(id.Distance(self)), "rank %d", rank)
	}

	id, err := RandomIDInBucket(self, IDBits)
	require.NoError(t, err)
	assert.Equal(t, self, id)

	_, err = RandomIDInBucket(self, IDBits+1)
	assert.Error(t, err)
}

func TestHashKey(t *testing.T) {
	assert.Equal(t, HashKey([]byte("euler")), HashKey([]byte("euler")))
	assert.NotEqual(t, HashKey([]byte("euler")), HashKey([]byte("gauss")))
}

func TestNewCorrelationID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewCorrelationID()
		require.NoError(t, err)
		require.Len(t, id, correlationIDLength)
		key := string(id)
		require.False(t, seen[key], "duplicate correlation id")
		seen[key] = true
	}
}
