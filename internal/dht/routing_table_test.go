package dht

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func contactFor(id NodeID, port int) Contact {
	return Contact{ID: id, IP: "127.0.0.1", Port: uint16(port)}
}

// sameBucketID returns ids that all share rank 0 with the zero id.
func sameBucketID(i int) NodeID {
	var id NodeID
	id[0] = 0x80
	id[IDLength-2] = byte(i >> 8)
	id[IDLength-1] = byte(i)
	return id
}

func TestRoutingTableScenario(t *testing.T) {
	// A = 0001..., B = 0011...: they share the two leading bits 00.
	a := idWithPrefix(0x10, 0)
	b := idWithPrefix(0x30, 0)
	require.Equal(t, 2, Rank(a.Distance(b)))

	rt := NewRoutingTable(zaptest.NewLogger(t), a, DefaultBucketSize)
	require.NoError(t, rt.Observe(contactFor(b, 4001)))

	assert.Equal(t, 2, rt.BucketIndex(b))
	assert.Equal(t, 1, rt.BucketLen(2))
	assert.Equal(t, []Contact{contactFor(b, 4001)}, rt.Closest(b, 1))
}

func TestRoutingTableObserve(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Idempotent", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		c := contactFor(sameBucketID(1), 4001)

		require.NoError(t, rt.Observe(c))
		before := rt.Bucket(0)
		require.NoError(t, rt.Observe(c))

		assert.Equal(t, before, rt.Bucket(0))
		assert.Equal(t, 1, rt.Len())
	})

	t.Run("KnownContactIsNotReplaced", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		id := sameBucketID(1)
		require.NoError(t, rt.Observe(contactFor(id, 4001)))
		require.NoError(t, rt.Observe(contactFor(id, 4999)))

		assert.Equal(t, []Contact{contactFor(id, 4001)}, rt.Bucket(0))
	})

	t.Run("SelfIgnored", func(t *testing.T) {
		self := idWithPrefix(0x42, 7)
		rt := NewRoutingTable(logger, self, DefaultBucketSize)

		err := rt.Observe(contactFor(self, 4001))
		assert.ErrorIs(t, err, ErrSelfContact)
		assert.Equal(t, 0, rt.Len())
		assert.Equal(t, 0, rt.BucketLen(IDBits))
	})

	t.Run("BucketNeverExceedsK", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		for i := 0; i < DefaultBucketSize; i++ {
			require.NoError(t, rt.Observe(contactFor(sameBucketID(i), 4000+i)))
		}

		err := rt.Observe(contactFor(sameBucketID(500), 4500))
		assert.ErrorIs(t, err, ErrBucketFull)
		assert.Equal(t, DefaultBucketSize, rt.BucketLen(0))

		ids := make(map[NodeID]bool)
		for _, c := range rt.Bucket(0) {
			assert.False(t, ids[c.ID], "duplicate id in bucket")
			ids[c.ID] = true
		}
		assert.False(t, ids[sameBucketID(500)])
	})

	t.Run("ConcurrentObserve", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					_ = rt.Observe(contactFor(sameBucketID(i), 4000+i))
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, DefaultBucketSize, rt.BucketLen(0))
		assert.Equal(t, DefaultBucketSize, rt.Len())
	})
}

func TestRoutingTableClosest(t *testing.T) {
	self, err := NewNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(zaptest.NewLogger(t), self, DefaultBucketSize)

	for i := 0; i < 200; i++ {
		id, err := NewNodeID()
		require.NoError(t, err)
		_ = rt.Observe(contactFor(id, 5000+i))
	}
	// Random ids almost all land in rank 0..7, populate the near buckets too.
	for rank := 8; rank < 40; rank++ {
		id, err := RandomIDInBucket(self, rank)
		require.NoError(t, err)
		require.NoError(t, rt.Observe(contactFor(id, 6000+rank)))
	}

	target, err := NewNodeID()
	require.NoError(t, err)

	for _, count := range []int{1, 5, DefaultBucketSize, 1000} {
		t.Run(fmt.Sprintf("count=%d", count), func(t *testing.T) {
			got := rt.Closest(target, count)
			assert.LessOrEqual(t, len(got), count)

			seen := make(map[NodeID]bool)
			for i, c := range got {
				assert.False(t, seen[c.ID], "duplicate contact")
				seen[c.ID] = true
				if i > 0 {
					prev := got[i-1].ID.Distance(target)
					assert.False(t, c.ID.Distance(target).Less(prev), "not sorted at %d", i)
				}
			}
		})
	}

	t.Run("MatchesFullSort", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			target, err := NewNodeID()
			require.NoError(t, err)
			if i%2 == 1 {
				// Targets near self exercise the buckets above the target's own.
				target, err = RandomIDInBucket(self, 10+i)
				require.NoError(t, err)
			}

			want := rt.Contacts()
			sortByDistance(want, target)
			for _, count := range []int{1, 3, DefaultBucketSize} {
				assert.Equal(t, want[:count], rt.Closest(target, count), "target %s count %d", target.Short(), count)
			}
		}
	})

	t.Run("ReturnsWholeTableWhenSmall", func(t *testing.T) {
		assert.Len(t, rt.Closest(target, 1000), rt.Len())
	})

	t.Run("ZeroCount", func(t *testing.T) {
		assert.Empty(t, rt.Closest(target, 0))
	})
}

func TestRoutingTableClosestPrefersHigherBuckets(t *testing.T) {
	rt := NewRoutingTable(zaptest.NewLogger(t), NodeID{}, DefaultBucketSize)
	far := contactFor(idWithPrefix(0x10, 0), 4001)  // bucket 3, distance 0x18
	near := contactFor(idWithPrefix(0x02, 0), 4002) // bucket 6, distance 0x0a
	require.NoError(t, rt.Observe(far))
	require.NoError(t, rt.Observe(near))

	target := idWithPrefix(0x08, 0) // bucket 4, empty
	assert.Equal(t, []Contact{near}, rt.Closest(target, 1))
	assert.Equal(t, []Contact{near, far}, rt.Closest(target, 2))
}

func TestRoutingTableAdmission(t *testing.T) {
	logger := zaptest.NewLogger(t)

	fill := func(rt *RoutingTable) {
		for i := 0; i < DefaultBucketSize; i++ {
			require.NoError(t, rt.Observe(contactFor(sameBucketID(i), 4000+i)))
		}
	}

	t.Run("DeadIncumbentReplaced", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		fill(rt)

		var probed Contact
		rt.SetAdmissionPolicy(ProbePolicy{Ping: func(c Contact) error {
			probed = c
			return ErrRequestTimeout
		}})

		candidate := contactFor(sameBucketID(900), 4900)
		assert.ErrorIs(t, rt.Observe(candidate), ErrBucketFull)
		rt.admissions.Wait()

		assert.Equal(t, sameBucketID(0), probed.ID, "the oldest contact is probed")
		bucket := rt.Bucket(0)
		assert.Len(t, bucket, DefaultBucketSize)
		assert.Equal(t, candidate, bucket[len(bucket)-1])
		for _, c := range bucket {
			assert.NotEqual(t, sameBucketID(0), c.ID)
		}
	})

	t.Run("LiveIncumbentKept", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		fill(rt)
		before := rt.Bucket(0)

		rt.SetAdmissionPolicy(ProbePolicy{Ping: func(Contact) error { return nil }})
		assert.ErrorIs(t, rt.Observe(contactFor(sameBucketID(900), 4900)), ErrBucketFull)
		rt.admissions.Wait()

		assert.Equal(t, before, rt.Bucket(0))
	})

	t.Run("OtherFailuresKeepIncumbent", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		fill(rt)
		before := rt.Bucket(0)

		rt.SetAdmissionPolicy(ProbePolicy{Ping: func(Contact) error { return errors.New("socket closed") }})
		_ = rt.Observe(contactFor(sameBucketID(900), 4900))
		rt.admissions.Wait()

		assert.Equal(t, before, rt.Bucket(0))
	})

	t.Run("OneProbePerBucket", func(t *testing.T) {
		rt := NewRoutingTable(logger, NodeID{}, DefaultBucketSize)
		fill(rt)

		release := make(chan struct{})
		var mu sync.Mutex
		probes := 0
		rt.SetAdmissionPolicy(ProbePolicy{Ping: func(Contact) error {
			mu.Lock()
			probes++
			mu.Unlock()
			<-release
			return nil
		}})

		for i := 0; i < 5; i++ {
			_ = rt.Observe(contactFor(sameBucketID(900+i), 4900+i))
		}
		close(release)
		rt.admissions.Wait()

		assert.Equal(t, 1, probes)
	})
}

func TestRoutingTableRemove(t *testing.T) {
	rt := NewRoutingTable(zaptest.NewLogger(t), NodeID{}, DefaultBucketSize)
	c := contactFor(sameBucketID(3), 4003)
	require.NoError(t, rt.Observe(c))

	assert.True(t, rt.Remove(c.ID))
	assert.False(t, rt.Remove(c.ID))
	assert.Equal(t, 0, rt.Len())
	assert.Empty(t, rt.NonEmptyBuckets())
}
