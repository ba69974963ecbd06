package dht

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Contact is a known peer. Contacts are values: a changed peer is recorded by
// replacing the whole contact, never by editing one in place.
type Contact struct {
	ID   NodeID
	IP   string
	Port uint16
}

// NewContactFromAddr builds a contact from a UDP source address.
func NewContactFromAddr(id NodeID, addr *net.UDPAddr) Contact {
	return Contact{ID: id, IP: addr.IP.String(), Port: uint16(addr.Port)}
}

// Addr returns the host:port form of the contact's endpoint.
func (c Contact) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(int(c.Port)))
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.Short(), c.Addr())
}

// sortByDistance orders contacts by ascending XOR distance to target.
func sortByDistance(contacts []Contact, target NodeID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].ID.Distance(target).Less(contacts[j].ID.Distance(target))
	})
}
