package dht

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Action is the kind of a protocol message.
type Action string

const (
	ActionResponse  Action = "res"
	ActionPing      Action = "ping"
	ActionFindNode  Action = "find_node"
	ActionFindValue Action = "find_value"
	ActionStore     Action = "store"
)

func (a Action) valid() bool {
	switch a {
	case ActionResponse, ActionPing, ActionFindNode, ActionFindValue, ActionStore:
		return true
	}
	return false
}

// Message is one decoded datagram.
type Message struct {
	ID     []byte
	Sender NodeID
	Action Action

	// Target is set for find_node.
	Target NodeID
	// Key is set for find_value and store.
	Key NodeID
	// Value is set for store and for a find_value answer that found the key.
	// nil means absent; an empty non-nil slice is an empty value.
	Value []byte
	// Nodes is set for find_node and find_value answers.
	Nodes []Contact
}

// CorrelationID returns the hex form of the message id.
func (m *Message) CorrelationID() string {
	return hex.EncodeToString(m.ID)
}

// HasValue reports whether the message carries a value.
func (m *Message) HasValue() bool {
	return m.Value != nil
}

type wireContact struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
}

type wireMessage struct {
	MsgID      string        `json:"msg_id"`
	EmitterID  string        `json:"emitter_id"`
	Action     Action        `json:"action"`
	TargetNode string        `json:"target_node,omitempty"`
	Key        string        `json:"key,omitempty"`
	Value      *[]byte       `json:"value,omitempty"`
	Nodes      []wireContact `json:"nodes,omitempty"`
}

// Encode serialises a message for a single datagram.
func Encode(m *Message) ([]byte, error) {
	if len(m.ID) == 0 {
		return nil, fmt.Errorf("encode %s: empty message id", m.Action)
	}
	if !m.Action.valid() {
		return nil, fmt.Errorf("encode: unknown action %q", m.Action)
	}

	w := wireMessage{
		MsgID:     hex.EncodeToString(m.ID),
		EmitterID: m.Sender.String(),
		Action:    m.Action,
	}
	switch m.Action {
	case ActionFindNode:
		w.TargetNode = m.Target.String()
	case ActionFindValue:
		w.Key = m.Key.String()
	case ActionStore:
		w.Key = m.Key.String()
		v := m.Value
		if v == nil {
			v = []byte{}
		}
		w.Value = &v
	case ActionResponse:
		if m.Value != nil {
			v := m.Value
			w.Value = &v
		}
		if len(m.Nodes) > 0 {
			w.Nodes = make([]wireContact, 0, len(m.Nodes))
			for _, c := range m.Nodes {
				w.Nodes = append(w.Nodes, wireContact{NodeID: c.ID.String(), IP: c.IP, Port: c.Port})
			}
		}
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Action, err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("encode %s: %d bytes: %w", m.Action, len(data), ErrMessageTooLarge)
	}
	return data, nil
}

// wireEnvelope is the decode side of wireMessage. Payload fields stay raw so
// a wrongly typed field is reported against a known sender.
type wireEnvelope struct {
	MsgID      string          `json:"msg_id"`
	EmitterID  string          `json:"emitter_id"`
	Action     Action          `json:"action"`
	TargetNode json.RawMessage `json:"target_node"`
	Key        json.RawMessage `json:"key"`
	Value      json.RawMessage `json:"value"`
	Nodes      json.RawMessage `json:"nodes"`
}

// checkStoreSize encodes the STORE a peer would receive for value.
func checkStoreSize(sender, key NodeID, value []byte) error {
	_, err := Encode(&Message{
		ID:     make([]byte, correlationIDLength),
		Sender: sender,
		Action: ActionStore,
		Key:    key,
		Value:  value,
	})
	return err
}

// Decode parses a datagram. Envelope faults (msg_id, emitter_id, action)
// wrap ErrMalformedMessage. Faults in the action-specific fields are
// reported as *PayloadError so the caller still learns the sender.
func Decode(raw []byte) (*Message, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if w.MsgID == "" {
		return nil, fmt.Errorf("%w: missing msg_id", ErrMalformedMessage)
	}
	id, err := hex.DecodeString(w.MsgID)
	if err != nil {
		return nil, fmt.Errorf("%w: msg_id is not hexadecimal: %v", ErrMalformedMessage, err)
	}

	if w.EmitterID == "" {
		return nil, fmt.Errorf("%w: missing emitter_id", ErrMalformedMessage)
	}
	sender, err := ParseNodeID(w.EmitterID)
	if err != nil {
		return nil, fmt.Errorf("%w: emitter_id: %v", ErrMalformedMessage, err)
	}

	if !w.Action.valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedMessage, w.Action)
	}

	m := &Message{ID: id, Sender: sender, Action: w.Action}
	payloadErr := func(field string, err error) error {
		return &PayloadError{Sender: sender, Action: w.Action, Field: field, Err: err}
	}

	switch w.Action {
	case ActionFindNode:
		if m.Target, err = decodeID(w.TargetNode); err != nil {
			return nil, payloadErr("target_node", err)
		}
	case ActionFindValue:
		if m.Key, err = decodeID(w.Key); err != nil {
			return nil, payloadErr("key", err)
		}
	case ActionStore:
		if m.Key, err = decodeID(w.Key); err != nil {
			return nil, payloadErr("key", err)
		}
		if m.Value, err = decodeValue(w.Value); err != nil {
			return nil, payloadErr("value", err)
		}
		if m.Value == nil {
			return nil, payloadErr("value", errors.New("missing"))
		}
	case ActionResponse:
		if m.Value, err = decodeValue(w.Value); err != nil {
			return nil, payloadErr("value", err)
		}
		var nodes []wireContact
		if present(w.Nodes) {
			if err := json.Unmarshal(w.Nodes, &nodes); err != nil {
				return nil, payloadErr("nodes", err)
			}
		}
		for i, wc := range nodes {
			c, err := wc.contact()
			if err != nil {
				return nil, payloadErr(fmt.Sprintf("nodes[%d]", i), err)
			}
			m.Nodes = append(m.Nodes, c)
		}
	}
	return m, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func decodeID(raw json.RawMessage) (NodeID, error) {
	if !present(raw) {
		return NodeID{}, errors.New("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return NodeID{}, err
	}
	return ParseNodeID(s)
}

// decodeValue returns nil when the field is absent and a non-nil slice,
// possibly empty, otherwise.
func decodeValue(raw json.RawMessage) ([]byte, error) {
	if !present(raw) {
		return nil, nil
	}
	var v []byte
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return nonNil(v), nil
}

func (wc wireContact) contact() (Contact, error) {
	id, err := ParseNodeID(wc.NodeID)
	if err != nil {
		return Contact{}, err
	}
	if wc.IP == "" {
		return Contact{}, errors.New("missing ip")
	}
	if wc.Port == 0 {
		return Contact{}, errors.New("missing port")
	}
	return Contact{ID: id, IP: wc.IP, Port: wc.Port}, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
