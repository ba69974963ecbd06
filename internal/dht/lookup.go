package dht

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errValueFound = errors.New("value found")

// shortlist is the lookup's working set: at most k contacts ordered by
// distance to the target, plus the ids already queried. Peers that failed to
// answer are never re-added.
type shortlist struct {
	target  NodeID
	self    NodeID
	k       int
	entries []Contact
	queried map[NodeID]bool
	failed  map[NodeID]bool
}

func newShortlist(target, self NodeID, k int) *shortlist {
	return &shortlist{
		target:  target,
		self:    self,
		k:       k,
		queried: make(map[NodeID]bool),
		failed:  make(map[NodeID]bool),
	}
}

// add merges contacts, skipping self and duplicates, and keeps the k closest.
func (s *shortlist) add(contacts ...Contact) {
	for _, c := range contacts {
		if c.ID == s.self || s.failed[c.ID] || s.contains(c.ID) {
			continue
		}
		s.entries = append(s.entries, c)
	}
	sortByDistance(s.entries, s.target)
	if len(s.entries) > s.k {
		s.entries = s.entries[:s.k]
	}
}

func (s *shortlist) contains(id NodeID) bool {
	for _, c := range s.entries {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (s *shortlist) remove(id NodeID) {
	s.failed[id] = true
	for i, c := range s.entries {
		if c.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// next marks and returns up to count of the closest unqueried contacts.
func (s *shortlist) next(count int) []Contact {
	batch := make([]Contact, 0, count)
	for _, c := range s.entries {
		if len(batch) == count {
			break
		}
		if s.queried[c.ID] {
			continue
		}
		s.queried[c.ID] = true
		batch = append(batch, c)
	}
	return batch
}

// best returns the distance of the closest entry.
func (s *shortlist) best() (NodeID, bool) {
	if len(s.entries) == 0 {
		return NodeID{}, false
	}
	return s.entries[0].ID.Distance(s.target), true
}

func (s *shortlist) contacts() []Contact {
	return append([]Contact(nil), s.entries...)
}

type lookupAnswer struct {
	from  Contact
	nodes []Contact
	value []byte
	found bool
	err   error
}

// Lookup runs an iterative FIND_NODE and returns up to K contacts closest to
// target. ErrLookupExhausted means no peer could be found at all.
func (n *Node) Lookup(ctx context.Context, target NodeID) ([]Contact, error) {
	_, contacts, err := n.lookup(ctx, target, false)
	return contacts, err
}

// LookupValue runs an iterative FIND_VALUE. It stops at the first peer that
// returns the value. When no peer has it, the closest contacts seen are
// returned with ErrLookupExhausted.
func (n *Node) LookupValue(ctx context.Context, key NodeID) ([]byte, []Contact, error) {
	return n.lookup(ctx, key, true)
}

func (n *Node) lookup(ctx context.Context, target NodeID, findValue bool) ([]byte, []Contact, error) {
	kind := "node"
	if findValue {
		kind = "value"
	}
	logger := n.logger.With(
		zap.String("lookup_id", uuid.NewString()),
		zap.String("kind", kind),
		zap.String("target", target.String()),
	)
	started := time.Now()

	value, contacts, err := n.runLookup(ctx, logger, target, findValue)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrLookupExhausted):
		outcome = "exhausted"
	case err != nil:
		outcome = "error"
	}
	n.metrics.observeLookup(kind, outcome, time.Since(started))
	logger.Debug("Lookup finished",
		zap.String("outcome", outcome),
		zap.Int("contacts", len(contacts)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return value, contacts, err
}

func (n *Node) runLookup(ctx context.Context, logger *zap.Logger, target NodeID, findValue bool) ([]byte, []Contact, error) {
	alpha := n.config.Alpha
	list := newShortlist(target, n.id, n.config.BucketSize)
	list.add(n.table.Closest(target, alpha)...)

	best, ok := list.best()
	if !ok {
		return nil, nil, fmt.Errorf("%w: routing table is empty", ErrLookupExhausted)
	}

	for round := 1; ; round++ {
		batch := list.next(alpha)
		if len(batch) == 0 {
			break
		}

		answers := n.queryRound(ctx, batch, target, findValue)
		if err := ctx.Err(); err != nil {
			return nil, list.contacts(), err
		}

		for _, a := range answers {
			if a.err != nil {
				logger.Debug("Peer did not answer",
					zap.Stringer("peer", a.from),
					zap.Error(a.err),
				)
				list.remove(a.from.ID)
				continue
			}
			if a.found {
				logger.Debug("Value found", zap.Stringer("peer", a.from), zap.Int("round", round))
				return a.value, list.contacts(), nil
			}
			list.add(a.nodes...)
		}

		current, ok := list.best()
		if !ok {
			break
		}
		logger.Debug("Lookup round complete",
			zap.Int("round", round),
			zap.Int("queried", len(batch)),
			zap.Int("shortlist", len(list.entries)),
			zap.String("closest", list.entries[0].ID.String()),
		)
		if !current.Less(best) {
			break
		}
		best = current
	}

	contacts := list.contacts()
	if findValue {
		return nil, contacts, fmt.Errorf("%w: value not found", ErrLookupExhausted)
	}
	if len(contacts) == 0 {
		return nil, nil, fmt.Errorf("%w: no peer answered", ErrLookupExhausted)
	}
	return nil, contacts, nil
}

// queryRound queries batch in parallel. For value lookups the first peer to
// return the value cancels the rest of the round.
func (n *Node) queryRound(ctx context.Context, batch []Contact, target NodeID, findValue bool) []lookupAnswer {
	answers := make([]lookupAnswer, len(batch))
	g, gctx := errgroup.WithContext(ctx)

	for i, peer := range batch {
		i, peer := i, peer
		g.Go(func() error {
			a := lookupAnswer{from: peer}
			if findValue {
				a.value, a.nodes, a.err = n.FindValue(gctx, peer.Addr(), target)
				a.found = a.err == nil && a.value != nil
			} else {
				a.nodes, a.err = n.FindNode(gctx, peer.Addr(), target)
			}
			answers[i] = a
			if a.found {
				return errValueFound
			}
			return nil
		})
	}
	_ = g.Wait()

	return answers
}

// Put stores value locally and on the K closest peers to key. It returns the
// number of peers that acknowledged. A value too large for one STORE datagram
// is rejected with ErrMessageTooLarge before anything is stored.
func (n *Node) Put(ctx context.Context, key NodeID, value []byte) (int, error) {
	if err := checkStoreSize(n.id, key, value); err != nil {
		return 0, err
	}
	if err := n.storage.Put(key, value); err != nil {
		return 0, fmt.Errorf("store locally: %w", err)
	}
	n.metrics.setStoredKeys(n.storage.Len())

	contacts, err := n.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrLookupExhausted) {
			return 0, nil
		}
		return 0, err
	}

	acks := make([]bool, len(contacts))
	var g errgroup.Group
	g.SetLimit(n.config.Alpha)
	for i, c := range contacts {
		i, c := i, c
		g.Go(func() error {
			if err := n.Store(ctx, c.Addr(), key, value); err != nil {
				n.logger.Debug("Replica store failed", zap.Stringer("peer", c), zap.Error(err))
				return nil
			}
			acks[i] = true
			return nil
		})
	}
	_ = g.Wait()

	stored := 0
	for _, ok := range acks {
		if ok {
			stored++
		}
	}
	return stored, ctx.Err()
}

// Get returns the value for key from the local store or, failing that, from
// the network.
func (n *Node) Get(ctx context.Context, key NodeID) ([]byte, error) {
	if v, ok := n.storage.Get(key); ok {
		return v, nil
	}
	v, _, err := n.LookupValue(ctx, key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// RefreshBucket looks up a random id in the bucket at rank, which refreshes
// the routing table around that distance.
func (n *Node) RefreshBucket(ctx context.Context, rank int) ([]Contact, error) {
	target, err := RandomIDInBucket(n.id, rank)
	if err != nil {
		return nil, err
	}
	return n.Lookup(ctx, target)
}

// Refresh refreshes every non-empty bucket. Scheduling is left to the caller.
func (n *Node) Refresh(ctx context.Context) error {
	var errs []error
	for _, rank := range n.table.NonEmptyBuckets() {
		if rank == IDBits {
			continue
		}
		if _, err := n.RefreshBucket(ctx, rank); err != nil {
			errs = append(errs, fmt.Errorf("bucket %d: %w", rank, err))
		}
	}
	return errors.Join(errs...)
}
