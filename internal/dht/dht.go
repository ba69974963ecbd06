package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Node is one DHT participant. It owns the identity, routing table, local
// store and the socket; handlers receive it explicitly instead of reaching
// for process-wide state.
type Node struct {
	logger  *zap.Logger
	config  Config
	id      NodeID
	table   *RoutingTable
	storage Storage
	metrics *Metrics

	transport *UDPTransport
	tracker   *requestTracker

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// Option customises a Node at construction.
type Option func(*Node)

// WithStorage replaces the default value store.
func WithStorage(s Storage) Option {
	return func(n *Node) { n.storage = s }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithNodeID fixes the node identity instead of drawing a random one.
func WithNodeID(id NodeID) Option {
	return func(n *Node) { n.id = id }
}

// NewNode creates a node. The identity comes from config.NodeID when set and
// from the system CSPRNG otherwise; failing to obtain one is fatal for the
// caller since a node cannot operate without it.
func NewNode(logger *zap.Logger, config Config, opts ...Option) (*Node, error) {
	config.applyDefaults()

	n := &Node{
		logger: logger,
		config: config,
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.id.IsZero() {
		if config.NodeID != "" {
			id, err := ParseNodeID(config.NodeID)
			if err != nil {
				return nil, fmt.Errorf("invalid node ID: %w", err)
			}
			n.id = id
		} else {
			id, err := NewNodeID()
			if err != nil {
				return nil, fmt.Errorf("generate node ID: %w", err)
			}
			n.id = id
		}
	}

	if n.storage == nil {
		s, err := NewCacheStorage(context.Background(), config.StorageShards)
		if err != nil {
			return nil, err
		}
		n.storage = s
	}

	n.table = NewRoutingTable(logger.Named("routing"), n.id, config.BucketSize)
	n.table.metrics = n.metrics
	if config.ProbeFullBuckets {
		n.table.SetAdmissionPolicy(ProbePolicy{Ping: n.pingContact})
	}

	n.transport = NewUDPTransport(logger.Named("transport"), n.handlePacket, config.RateLimit, config.RateBurst, config.MaxHandlers)
	n.transport.metrics = n.metrics
	n.tracker = newRequestTracker(logger.Named("rpc"), n.transport, config.RequestTimeout, n.metrics)

	return n, nil
}

// Start binds the socket. A bind failure is returned to the caller, which
// cannot do anything useful without it.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return errors.New("node already started")
	}

	addr := net.JoinHostPort(n.config.ListenHost, strconv.Itoa(n.config.ListenPort))
	if err := n.transport.Listen(addr); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.started = true

	n.logger.Info("DHT node started",
		zap.String("node_id", n.id.String()),
		zap.Stringer("listen_addr", n.transport.LocalAddr()),
		zap.Int("bucket_size", n.config.BucketSize),
		zap.Int("alpha", n.config.Alpha),
		zap.Duration("request_timeout", n.config.RequestTimeout),
	)
	return nil
}

// Stop closes the socket and waits for in-flight handlers and probes.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.cancel()
	n.mu.Unlock()

	err := n.transport.Close()
	n.table.admissions.Wait()
	if serr := n.storage.Close(); serr != nil && err == nil {
		err = serr
	}

	n.logger.Info("DHT node stopped", zap.String("node_id", n.id.String()))
	return err
}

// ID returns the node identity.
func (n *Node) ID() NodeID { return n.id }

// Config returns the effective configuration.
func (n *Node) Config() Config { return n.config }

// Table returns the routing table.
func (n *Node) Table() *RoutingTable { return n.table }

// Storage returns the local value store.
func (n *Node) Storage() Storage { return n.storage }

// Addr returns the bound socket address, nil before Start.
func (n *Node) Addr() *net.UDPAddr { return n.transport.LocalAddr() }

// PendingRequests returns the number of outstanding RPCs.
func (n *Node) PendingRequests() int { return n.tracker.Pending() }

// Contact returns the node as peers see it when it listens on a loopback or
// explicit address.
func (n *Node) Contact() Contact {
	addr := n.Addr()
	if addr == nil {
		return Contact{ID: n.id}
	}
	ip := addr.IP
	if ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return Contact{ID: n.id, IP: ip.String(), Port: uint16(addr.Port)}
}

func (n *Node) lifetime() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx == nil {
		return context.Background()
	}
	return n.ctx
}

// request sends msg to addr and waits for its response.
func (n *Node) request(ctx context.Context, addr string, msg *Message) (*Message, error) {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	msg.Sender = n.id

	return n.tracker.send(ctx, udpAddr, msg)
}

// Ping checks that addr answers. The response carries the correlation id of
// the request.
func (n *Node) Ping(ctx context.Context, addr string) (*Message, error) {
	return n.request(ctx, addr, &Message{Action: ActionPing})
}

func (n *Node) pingContact(c Contact) error {
	_, err := n.Ping(n.lifetime(), c.Addr())
	return err
}

// FindNode asks the peer at addr for the contacts it knows closest to target.
func (n *Node) FindNode(ctx context.Context, addr string, target NodeID) ([]Contact, error) {
	resp, err := n.request(ctx, addr, &Message{Action: ActionFindNode, Target: target})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// FindValue asks the peer at addr for key. It returns the value when the peer
// holds it and the peer's closest contacts otherwise.
func (n *Node) FindValue(ctx context.Context, addr string, key NodeID) ([]byte, []Contact, error) {
	resp, err := n.request(ctx, addr, &Message{Action: ActionFindValue, Key: key})
	if err != nil {
		return nil, nil, err
	}
	if resp.HasValue() {
		return resp.Value, nil, nil
	}
	return nil, resp.Nodes, nil
}

// Store asks the peer at addr to keep value under key.
func (n *Node) Store(ctx context.Context, addr string, key NodeID, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := n.request(ctx, addr, &Message{Action: ActionStore, Key: key, Value: value})
	return err
}

// Bootstrap pings every address and then looks up the node's own id to fill
// the routing table.
func (n *Node) Bootstrap(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}

	var errs []error
	reached := 0
	for _, addr := range addrs {
		if _, err := n.Ping(ctx, addr); err != nil {
			n.logger.Warn("Bootstrap node unreachable", zap.String("addr", addr), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		reached++
	}
	if reached == 0 {
		return fmt.Errorf("no bootstrap node reachable: %w", errors.Join(errs...))
	}

	contacts, err := n.Lookup(ctx, n.id)
	if err != nil {
		return fmt.Errorf("self lookup: %w", err)
	}
	n.logger.Info("Bootstrap complete",
		zap.Int("reached", reached),
		zap.Int("closest", len(contacts)),
		zap.Int("table_size", n.table.Len()),
	)
	return nil
}
