// Package gateway owns the persistent TCP connections workers hold to
// the coordinator. Each connection runs a reader and a writer goroutine;
// inbound messages are handed to the dispatch handler, outbound ones go
// through a buffered send channel so a slow worker cannot block the
// coordinator.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/wire"
)

const sendBuffer = 16

// Handler processes inbound messages and connection teardown
type Handler interface {
	HandleMessage(ctx context.Context, conn *Conn, msg wire.Message)
	HandleDisconnect(ctx context.Context, conn *Conn)
}

// Conn is one live worker connection
type Conn struct {
	ID     string
	raw    net.Conn
	sendCh chan wire.Message
	closed chan struct{}

	mu       sync.Mutex
	workerID string
	once     sync.Once
}

// Send queues a message for delivery. Returns false when the connection
// is gone or its send buffer is full; the caller treats both as a
// missed push, never an error.
func (c *Conn) Send(msg wire.Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

// BindWorker associates the connection with a registered worker id
func (c *Conn) BindWorker(workerID string) {
	c.mu.Lock()
	c.workerID = workerID
	c.mu.Unlock()
}

// WorkerID returns the bound worker id, empty before registration
func (c *Conn) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.raw.Close()
	})
}

// Gateway accepts and tracks worker connections
type Gateway struct {
	handler Handler
	log     *logger.Logger

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*Conn

	wg sync.WaitGroup
}

// New creates a gateway that routes messages to handler
func New(handler Handler, log *logger.Logger) *Gateway {
	return &Gateway{
		handler: handler,
		log:     log.Named("gateway"),
		conns:   make(map[string]*Conn),
	}
}

// Listen binds the TCP address and starts accepting connections. It
// blocks until the context is cancelled or the listener fails.
func (g *Gateway) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()
	g.log.Info("listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				g.closeAll()
				g.wg.Wait()
				return nil
			}
			g.log.Warn("accept failed", zap.Error(err))
			continue
		}
		c := &Conn{
			ID:     uuid.NewString(),
			raw:    conn,
			sendCh: make(chan wire.Message, sendBuffer),
			closed: make(chan struct{}),
		}
		g.mu.Lock()
		g.conns[c.ID] = c
		g.mu.Unlock()
		g.log.Info("connection opened", zap.String("conn_id", c.ID), zap.String("remote", c.RemoteAddr()))

		g.wg.Add(2)
		go g.writeLoop(c)
		go g.readLoop(ctx, c)
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	defer g.wg.Done()
	defer g.drop(ctx, c)

	reader := bufio.NewReader(c.raw)
	for {
		msg, err := wire.ReadMessage(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				g.log.Info("connection closed",
					zap.String("conn_id", c.ID),
					zap.String("worker_id", c.WorkerID()),
					zap.Error(err),
				)
			}
			return
		}
		g.handler.HandleMessage(ctx, c, msg)
	}
}

func (g *Gateway) writeLoop(c *Conn) {
	defer g.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.sendCh:
			if err := wire.WriteMessage(c.raw, msg); err != nil {
				g.log.Warn("write failed", zap.String("conn_id", c.ID), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (g *Gateway) drop(ctx context.Context, c *Conn) {
	c.close()
	g.mu.Lock()
	delete(g.conns, c.ID)
	g.mu.Unlock()
	g.handler.HandleDisconnect(ctx, c)
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	for _, c := range g.conns {
		c.close()
	}
	g.mu.Unlock()
}

// BroadcastWorkers sends a message to every connection bound to a
// registered worker. Delivery is best-effort.
func (g *Gateway) BroadcastWorkers(msg wire.Message) int {
	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		if c.WorkerID() != "" {
			conns = append(conns, c)
		}
	}
	g.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.Send(msg) {
			sent++
		}
	}
	return sent
}

// WorkerConn returns the live connection bound to workerID, if any
func (g *Gateway) WorkerConn(workerID string) (*Conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		if c.WorkerID() == workerID {
			return c, true
		}
	}
	return nil, false
}

// Addr returns the bound listen address, empty before Listen
func (g *Gateway) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// ConnCount returns the number of open connections
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}
