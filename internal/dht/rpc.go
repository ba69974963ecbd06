package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

type rpcResult struct {
	msg *Message
	err error
}

// pendingRequest lives from the moment a request is sent until exactly one
// of response, deadline or cancellation removes it.
type pendingRequest struct {
	issuedAt time.Time
	timer    *time.Timer
	result   chan rpcResult
}

// requestTracker matches responses to outstanding requests by correlation
// id. Insertion and removal happen under mu so a request is resolved at most
// once.
type requestTracker struct {
	logger    *zap.Logger
	timeout   time.Duration
	transport *UDPTransport
	metrics   *Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newRequestTracker(logger *zap.Logger, transport *UDPTransport, timeout time.Duration, metrics *Metrics) *requestTracker {
	return &requestTracker{
		logger:    logger,
		timeout:   timeout,
		transport: transport,
		metrics:   metrics,
		pending:   make(map[string]*pendingRequest),
	}
}

// send assigns msg a fresh correlation id, transmits it to addr and blocks
// until the matching response, the deadline or ctx.
func (tr *requestTracker) send(ctx context.Context, addr *net.UDPAddr, msg *Message) (*Message, error) {
	id, err := NewCorrelationID()
	if err != nil {
		return nil, err
	}
	msg.ID = id
	key := msg.CorrelationID()

	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	req := &pendingRequest{
		issuedAt: time.Now(),
		result:   make(chan rpcResult, 1),
	}

	tr.mu.Lock()
	if _, exists := tr.pending[key]; exists {
		tr.mu.Unlock()
		return nil, fmt.Errorf("correlation id collision: %s", key)
	}
	tr.pending[key] = req
	req.timer = time.AfterFunc(tr.timeout, func() { tr.expire(key) })
	n := len(tr.pending)
	tr.mu.Unlock()
	tr.metrics.setPending(n)

	if err := tr.transport.Send(addr, data); err != nil {
		tr.abandon(key)
		return nil, fmt.Errorf("send %s to %s: %w", msg.Action, addr, err)
	}
	tr.metrics.sent(msg.Action)

	select {
	case res := <-req.result:
		return res.msg, res.err
	case <-ctx.Done():
		tr.abandon(key)
		return nil, ctx.Err()
	}
}

// resolve delivers a response to its waiting request.
func (tr *requestTracker) resolve(msg *Message) error {
	key := msg.CorrelationID()

	tr.mu.Lock()
	req, ok := tr.pending[key]
	if ok {
		delete(tr.pending, key)
		req.timer.Stop()
	}
	n := len(tr.pending)
	tr.mu.Unlock()

	if !ok {
		tr.metrics.unknownCorrelation()
		return ErrUnknownCorrelation
	}
	tr.metrics.setPending(n)
	tr.logger.Debug("Response matched",
		zap.String("msg_id", key),
		zap.Duration("rtt", time.Since(req.issuedAt)),
	)
	req.result <- rpcResult{msg: msg}
	return nil
}

func (tr *requestTracker) expire(key string) {
	tr.mu.Lock()
	req, ok := tr.pending[key]
	if ok {
		delete(tr.pending, key)
	}
	n := len(tr.pending)
	tr.mu.Unlock()

	if !ok {
		return
	}
	tr.metrics.setPending(n)
	tr.metrics.requestTimeout()
	req.result <- rpcResult{err: ErrRequestTimeout}
}

// abandon removes a request without resolving it.
func (tr *requestTracker) abandon(key string) {
	tr.mu.Lock()
	if req, ok := tr.pending[key]; ok {
		delete(tr.pending, key)
		req.timer.Stop()
	}
	n := len(tr.pending)
	tr.mu.Unlock()
	tr.metrics.setPending(n)
}

// Pending returns the number of outstanding requests.
func (tr *requestTracker) Pending() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.pending)
}
