package dht

import (
	"sync"

	"go.uber.org/zap"
)

// RoutingTable files every known peer under the rank of its distance to the
// local node. It is the only state shared between concurrent RPCs, so every
// access goes through mu.
type RoutingTable struct {
	logger  *zap.Logger
	self    NodeID
	k       int
	policy  AdmissionPolicy
	metrics *Metrics

	mu      sync.RWMutex
	buckets [IDBits + 1]*kbucket
	size    int

	admissions sync.WaitGroup
}

// NewRoutingTable creates an empty table for self with buckets of size k.
func NewRoutingTable(logger *zap.Logger, self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultBucketSize
	}
	rt := &RoutingTable{
		logger: logger,
		self:   self,
		k:      k,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(k)
	}
	return rt
}

// SetAdmissionPolicy installs the policy consulted when a bucket is full.
// A nil policy means newcomers to a full bucket are dropped.
func (rt *RoutingTable) SetAdmissionPolicy(p AdmissionPolicy) {
	rt.mu.Lock()
	rt.policy = p
	rt.mu.Unlock()
}

// BucketIndex returns the bucket a peer id is filed under.
func (rt *RoutingTable) BucketIndex(id NodeID) int {
	return Rank(id.Distance(rt.self))
}

// Observe records that a peer was seen. A peer already in its bucket is left
// untouched. When the bucket is full the contact is not stored and
// ErrBucketFull is returned; if an admission policy is set, a probe of the
// bucket's oldest contact is started in the background.
func (rt *RoutingTable) Observe(c Contact) error {
	if c.ID == rt.self {
		return ErrSelfContact
	}
	rank := rt.BucketIndex(c.ID)

	rt.mu.Lock()
	b := rt.buckets[rank]
	if b.indexOf(c.ID) >= 0 {
		n := b.len()
		rt.mu.Unlock()
		rt.logger.Debug("known",
			zap.String("node_id", c.ID.String()),
			zap.Int("bucket", rank),
			zap.Int("size", n),
		)
		return nil
	}

	if b.len() < rt.k {
		b.contacts = append(b.contacts, c)
		rt.size++
		n, total := b.len(), rt.size
		rt.mu.Unlock()
		rt.metrics.setTableSize(total)
		rt.logger.Debug("store",
			zap.String("node_id", c.ID.String()),
			zap.String("addr", c.Addr()),
			zap.Int("bucket", rank),
			zap.Int("size", n),
		)
		return nil
	}

	var incumbent Contact
	policy := rt.policy
	probe := policy != nil && !b.probing
	if probe {
		b.probing = true
		incumbent = b.contacts[0]
		rt.admissions.Add(1)
	}
	rt.mu.Unlock()

	rt.metrics.bucketFull()
	rt.logger.Debug("full",
		zap.String("node_id", c.ID.String()),
		zap.Int("bucket", rank),
		zap.Int("size", rt.k),
		zap.Bool("probe", probe),
	)

	if probe {
		go rt.admit(policy, rank, incumbent, c)
	}
	return ErrBucketFull
}

func (rt *RoutingTable) admit(policy AdmissionPolicy, rank int, incumbent, candidate Contact) {
	defer rt.admissions.Done()

	replace := policy.Admit(incumbent, candidate)

	rt.mu.Lock()
	b := rt.buckets[rank]
	b.probing = false
	if !replace {
		rt.mu.Unlock()
		rt.logger.Debug("incumbent kept",
			zap.String("incumbent", incumbent.ID.String()),
			zap.String("candidate", candidate.ID.String()),
			zap.Int("bucket", rank),
		)
		return
	}
	if i := b.indexOf(incumbent.ID); i >= 0 {
		b.remove(i)
		rt.size--
	}
	if b.indexOf(candidate.ID) < 0 && b.len() < rt.k {
		b.contacts = append(b.contacts, candidate)
		rt.size++
	}
	total := rt.size
	rt.mu.Unlock()

	rt.metrics.setTableSize(total)
	rt.logger.Debug("evicted",
		zap.String("incumbent", incumbent.ID.String()),
		zap.String("candidate", candidate.ID.String()),
		zap.Int("bucket", rank),
	)
}

// Remove drops a peer from the table. It reports whether the peer was present.
func (rt *RoutingTable) Remove(id NodeID) bool {
	rank := rt.BucketIndex(id)

	rt.mu.Lock()
	b := rt.buckets[rank]
	i := b.indexOf(id)
	if i < 0 {
		rt.mu.Unlock()
		return false
	}
	b.remove(i)
	rt.size--
	total := rt.size
	rt.mu.Unlock()

	rt.metrics.setTableSize(total)
	return true
}

// Closest returns up to count contacts ordered by ascending distance to
// target.
//
// With start the target's own bucket, contacts in start are closest, then
// every bucket above start (their distance to target keeps only the bit at
// position start), then the buckets below start in decreasing rank, each
// farther than the one before.
func (rt *RoutingTable) Closest(target NodeID, count int) []Contact {
	if count <= 0 {
		return nil
	}
	start := rt.BucketIndex(target)

	rt.mu.RLock()
	var candidates []Contact
	for rank := start; rank <= IDBits; rank++ {
		candidates = append(candidates, rt.buckets[rank].contacts...)
	}
	for rank := start - 1; rank >= 0 && len(candidates) < count; rank-- {
		candidates = append(candidates, rt.buckets[rank].contacts...)
	}
	rt.mu.RUnlock()

	sortByDistance(candidates, target)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// Len returns the number of contacts in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size
}

// BucketLen returns the number of contacts filed under rank.
func (rt *RoutingTable) BucketLen(rank int) int {
	if rank < 0 || rank > IDBits {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[rank].len()
}

// Bucket returns a copy of the contacts filed under rank.
func (rt *RoutingTable) Bucket(rank int) []Contact {
	if rank < 0 || rank > IDBits {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]Contact(nil), rt.buckets[rank].contacts...)
}

// Contacts returns a copy of every contact, grouped by bucket.
func (rt *RoutingTable) Contacts() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Contact, 0, rt.size)
	for _, b := range rt.buckets {
		out = append(out, b.contacts...)
	}
	return out
}

// NonEmptyBuckets returns the ranks of buckets holding at least one contact.
func (rt *RoutingTable) NonEmptyBuckets() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var ranks []int
	for i, b := range rt.buckets {
		if b.len() > 0 {
			ranks = append(ranks, i)
		}
	}
	return ranks
}
