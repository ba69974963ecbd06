package dht

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// maxDatagramSize is the largest UDP payload we read.
const maxDatagramSize = 65535

// PacketHandler receives one datagram. The buffer is owned by the handler.
type PacketHandler func(data []byte, from *net.UDPAddr)

// UDPTransport owns the node's single socket. It serves both directions:
// requests the node issues and requests it answers.
type UDPTransport struct {
	logger  *zap.Logger
	handler PacketHandler
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	metrics *Metrics

	mu      sync.RWMutex
	conn    *net.UDPConn
	running bool

	wg sync.WaitGroup
}

// NewUDPTransport creates a transport. A limit of 0 disables inbound rate
// limiting. At most maxHandlers datagrams are handled at once.
func NewUDPTransport(logger *zap.Logger, handler PacketHandler, limit float64, burst, maxHandlers int) *UDPTransport {
	if maxHandlers <= 0 {
		maxHandlers = 1
	}
	t := &UDPTransport{
		logger:  logger,
		handler: handler,
		slots:   semaphore.NewWeighted(int64(maxHandlers)),
	}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return t
}

// Listen binds the socket and starts the receive loop.
func (t *UDPTransport) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		conn.Close()
		return errors.New("transport already listening")
	}
	t.conn = conn
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiveLoop(conn)

	t.logger.Info("UDP transport listening", zap.String("address", conn.LocalAddr().String()))
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes one datagram. Nothing is retried: loss is handled by the
// request deadline.
func (t *UDPTransport) Send(to *net.UDPAddr, data []byte) error {
	t.mu.RLock()
	conn, running := t.conn, t.running
	t.mu.RUnlock()

	if !running {
		return ErrNotStarted
	}
	_, err := conn.WriteToUDP(data, to)
	return err
}

// Close stops the receive loop and waits for in-flight handlers.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	err := t.conn.Close()
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *UDPTransport) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

func (t *UDPTransport) receiveLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buffer := make([]byte, maxDatagramSize)

	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if !t.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("Failed to read UDP packet", zap.Error(err))
			continue
		}

		if t.limiter != nil && !t.limiter.Allow() {
			t.metrics.rateLimitedDatagram()
			t.logger.Debug("Datagram dropped by rate limiter", zap.Stringer("from", addr))
			continue
		}

		if !t.slots.TryAcquire(1) {
			t.metrics.handlerOverload()
			t.logger.Debug("Datagram dropped, all handlers busy", zap.Stringer("from", addr))
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		// Handlers run concurrently so a slow one never stalls the socket.
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.slots.Release(1)
			t.handler(data, addr)
		}()
	}
}
