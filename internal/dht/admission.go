package dht

import (
	"errors"
)

// AdmissionPolicy decides what happens when a contact arrives for a full
// bucket. Admit is called outside the table lock with the bucket's oldest
// contact and the newcomer, and returns true when the incumbent should be
// replaced by the candidate.
type AdmissionPolicy interface {
	Admit(incumbent, candidate Contact) bool
}

// ProbePolicy pings the incumbent and replaces it only when the ping times
// out. Any other failure (for example a stopped node) keeps the incumbent.
type ProbePolicy struct {
	Ping func(Contact) error
}

func (p ProbePolicy) Admit(incumbent, _ Contact) bool {
	if p.Ping == nil {
		return false
	}
	err := p.Ping(incumbent)
	return errors.Is(err, ErrRequestTimeout)
}
