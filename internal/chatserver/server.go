// Package chatserver implements the connection-management and
// message-routing engine: per-connection frame reassembly, a
// goroutine-per-connection concurrency model standing in for the
// original implementation's single-threaded event loop, and the
// room/identity registry and message dispatcher.
package chatserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/logger"

	"etschat/internal/cryptoenv"
	"etschat/pkg/wire"
)

// Server listens for TCP connections and routes decoded messages
// between them.
type Server struct {
	listener       net.Listener
	sharedSecret   []byte
	maxConnections int

	registry *registry
	log      *logger.Logger

	connSeq   atomic.Uint64
	wg        sync.WaitGroup
	mu        sync.Mutex
	liveConns map[string]*Connection
	stopped   atomic.Bool
}

// New constructs a Server that will derive per-connection crypto
// contexts from sharedSecret. maxConnections <= 0 means unlimited,
// matching the original implementation's admission-control convention.
func New(sharedSecret []byte, maxConnections int, log *logger.Logger) *Server {
	return &Server{
		sharedSecret:   sharedSecret,
		maxConnections: maxConnections,
		registry:       newRegistry(),
		log:            log,
		liveConns:      make(map[string]*Connection),
	}
}

// Listen binds the server's listening socket. Call Serve afterward.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("chatserver: listen %s: %w", addr, err)
	}
	s.listener = l
	s.log.WithFields(logger.Fields{"addr": addr}).Info("listening")
	return nil
}

// Serve accepts connections until the listener is closed via Stop.
// Each accepted connection is admission-controlled, registered in the
// default room, sent a welcome frame, and handed a reader/writer
// goroutine pair.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() {
				return nil
			}
			return fmt.Errorf("chatserver: accept: %w", err)
		}

		if s.maxConnections > 0 && s.connCount() >= s.maxConnections {
			s.log.WithFields(logger.Fields{"peer": conn.RemoteAddr()}).Warn("rejecting connection: at capacity")
			_ = conn.Close()
			continue
		}

		s.handleAccept(conn)
	}
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveConns)
}

func (s *Server) handleAccept(netConn net.Conn) {
	id := fmt.Sprintf("conn-%d", s.connSeq.Add(1))
	pair := cryptoenv.NewPair(s.sharedSecret)
	conn := newConnection(id, netConn, pair, s.log)

	s.registry.add(conn)

	s.mu.Lock()
	s.liveConns[id] = conn
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"peer": conn.peer, "id": id}).Info("new connection")

	conn.queue(wire.Hello, "Welcome. Use HELLO <name>, JOIN <room>.")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.runWriter()
	}()
	go func() {
		defer s.wg.Done()
		conn.runReader(s.dispatch)
		s.onConnectionClosed(conn)
	}()
}

func (s *Server) onConnectionClosed(c *Connection) {
	s.registry.remove(c.id)

	s.mu.Lock()
	delete(s.liveConns, c.id)
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"peer": c.peer, "id": c.id}).Info("connection closed")
}

// Stop closes the listener and every live connection, then waits for
// all reader/writer goroutines to exit.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.liveConns))
	for _, c := range s.liveConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeNow()
	}
	s.wg.Wait()
}
