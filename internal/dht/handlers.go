package dht

import (
	"errors"
	"net"

	"go.uber.org/zap"
)

// handlePacket is the transport callback for every inbound datagram.
func (n *Node) handlePacket(data []byte, from *net.UDPAddr) {
	msg, err := Decode(data)
	if err != nil {
		n.metrics.malformedMessage()
		// A well-formed envelope still proves the sender is alive.
		var perr *PayloadError
		if errors.As(err, &perr) {
			n.observe(NewContactFromAddr(perr.Sender, from))
		}
		n.logger.Warn("Dropping malformed message",
			zap.Stringer("from", from),
			zap.Error(err),
		)
		return
	}

	n.metrics.received(msg.Action)
	n.observe(NewContactFromAddr(msg.Sender, from))

	switch msg.Action {
	case ActionResponse:
		n.handleResponse(msg)
	case ActionPing:
		n.handlePing(msg, from)
	case ActionFindNode:
		n.handleFindNode(msg, from)
	case ActionFindValue:
		n.handleFindValue(msg, from)
	case ActionStore:
		n.handleStore(msg, from)
	}
}

func (n *Node) observe(c Contact) {
	err := n.table.Observe(c)
	if err != nil && !errors.Is(err, ErrBucketFull) && !errors.Is(err, ErrSelfContact) {
		n.logger.Warn("Failed to record contact", zap.Stringer("contact", c), zap.Error(err))
	}
}

func (n *Node) handleResponse(msg *Message) {
	if err := n.tracker.resolve(msg); err != nil {
		// Late replies after a timeout land here; that race is expected.
		n.logger.Debug("No pending request for response",
			zap.String("msg_id", msg.CorrelationID()),
			zap.String("emitter_id", msg.Sender.String()),
		)
	}
}

func (n *Node) handlePing(msg *Message, from *net.UDPAddr) {
	n.reply(from, msg, &Message{})
}

func (n *Node) handleFindNode(msg *Message, from *net.UDPAddr) {
	nodes := n.table.Closest(msg.Target, n.config.BucketSize)
	n.reply(from, msg, &Message{Nodes: nodes})
}

func (n *Node) handleFindValue(msg *Message, from *net.UDPAddr) {
	if value, ok := n.storage.Get(msg.Key); ok {
		n.reply(from, msg, &Message{Value: value})
		return
	}
	nodes := n.table.Closest(msg.Key, n.config.BucketSize)
	n.reply(from, msg, &Message{Nodes: nodes})
}

func (n *Node) handleStore(msg *Message, from *net.UDPAddr) {
	if err := n.storage.Put(msg.Key, msg.Value); err != nil {
		// No acknowledgement: the requester sees a timeout.
		n.logger.Error("Failed to store value",
			zap.String("key", msg.Key.String()),
			zap.Int("size", len(msg.Value)),
			zap.Error(err),
		)
		return
	}
	n.metrics.setStoredKeys(n.storage.Len())
	n.logger.Debug("Stored value",
		zap.String("key", msg.Key.String()),
		zap.Int("size", len(msg.Value)),
		zap.String("publisher", msg.Sender.String()),
	)
	n.reply(from, msg, &Message{})
}

// reply answers req with resp, echoing the request's correlation id.
func (n *Node) reply(to *net.UDPAddr, req *Message, resp *Message) {
	resp.ID = req.ID
	resp.Sender = n.id
	resp.Action = ActionResponse

	data, err := Encode(resp)
	if err != nil {
		n.logger.Error("Failed to encode response",
			zap.String("request", string(req.Action)),
			zap.String("msg_id", req.CorrelationID()),
			zap.Error(err),
		)
		return
	}
	if err := n.transport.Send(to, data); err != nil {
		n.logger.Warn("Failed to send response",
			zap.Stringer("to", to),
			zap.String("msg_id", req.CorrelationID()),
			zap.Error(err),
		)
		return
	}
	n.metrics.sent(ActionResponse)
}
