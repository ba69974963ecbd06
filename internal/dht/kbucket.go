package dht

// kbucket holds up to K contacts in insertion order; the head is the oldest.
type kbucket struct {
	contacts []Contact
	// probing is set while an admission probe for this bucket is in flight.
	probing bool
}

func newKBucket(k int) *kbucket {
	return &kbucket{contacts: make([]Contact, 0, k)}
}

func (b *kbucket) indexOf(id NodeID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (b *kbucket) remove(i int) {
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
}

func (b *kbucket) len() int {
	return len(b.contacts)
}
