package chatserver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-i2p/logger"

	"etschat/internal/cryptoenv"
	"etschat/pkg/wire"
)

const (
	readChunkSize = 4096

	// maxInbuf bounds the reassembly buffer per connection (invariant
	// N1): one header plus two maximum-size envelopes' worth of slack
	// for a partially-received frame sitting behind a complete one.
	maxInbuf = wire.HeaderSize + 2*int(wire.MaxEncryptedPayload)

	// outboundQueueCap caps the per-connection output queue and evicts
	// slow consumers rather than letting memory grow without bound.
	// Measured in queued frames rather than bytes for simplicity; a
	// connection that can't drain this many frames is treated as a
	// slow consumer.
	outboundQueueCap = 256
)

var errSlowConsumer = errors.New("chatserver: output queue full, evicting slow consumer")

// Connection is one accepted TCP socket: a reader goroutine that
// reassembles frames and dispatches decoded messages, and a writer
// goroutine that drains an outbound queue. This replaces the original
// implementation's single-threaded on_readable/on_writable pair with
// two goroutines coordinated by a buffered output channel in place of
// an interest mask.
type Connection struct {
	id   string
	peer string
	conn net.Conn

	sendCtx *cryptoenv.Context
	recvCtx *cryptoenv.Context

	outbound chan []byte
	closed   bool
	mu       sync.Mutex

	log *logger.Logger
}

func newConnection(id string, conn net.Conn, pair *cryptoenv.Pair, log *logger.Logger) *Connection {
	return &Connection{
		id:       id,
		peer:     conn.RemoteAddr().String(),
		conn:     conn,
		sendCtx:  pair.Send,
		recvCtx:  pair.Recv,
		outbound: make(chan []byte, outboundQueueCap),
		log:      log,
	}
}

// queue encodes plaintext as a frame of the given type and enqueues
// it for the writer goroutine. A full queue closes the connection as
// a slow consumer rather than growing without bound. queue is a
// no-op once the connection has started closing.
func (c *Connection) queue(typ wire.MessageType, plaintext string) {
	frame, err := wire.Encode(typ, []byte(plaintext), c.sendCtx)
	if err != nil {
		c.log.WithFields(logger.Fields{"peer": c.peer, "error": err}).Warn("failed to encode outgoing frame")
		c.closeNow()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.outbound <- frame:
	default:
		c.log.WithFields(logger.Fields{"peer": c.peer}).Warn(errSlowConsumer.Error())
		// closeLocked, not closeNow: we already hold c.mu.
		c.closeLocked()
	}
}

// runWriter drains the outbound queue to the socket. It owns the only
// call to conn.Close(), made once the queue is closed and fully
// drained, so that frames queued right before a shutdown (e.g. the
// Disc farewell) are flushed before the socket goes away.
func (c *Connection) runWriter() {
	for frame := range c.outbound {
		if _, err := c.conn.Write(frame); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// onMessage is invoked once per successfully decoded frame.
type onMessageFunc func(c *Connection, typ wire.MessageType, plaintext []byte)

// runReader reads from the socket, reassembles frames, decrypts them,
// and invokes onMessage for each one. It returns when the connection
// closes for any reason.
func (c *Connection) runReader(onMessage onMessageFunc) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logger.Fields{"peer": c.peer, "panic": r}).Error("recovered panic in connection reader")
		}
		c.closeNow()
	}()

	inbuf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			inbuf = append(inbuf, chunk[:n]...)

			for {
				consumed, hdr, plaintext, status := wire.Decode(inbuf, c.recvCtx)
				switch status {
				case wire.Complete:
					onMessage(c, hdr.Type, plaintext)
					inbuf = append(inbuf[:0], inbuf[consumed:]...)
					continue
				case wire.Incomplete:
				case wire.Error:
					c.log.WithFields(logger.Fields{"peer": c.peer}).Warn("rejecting malformed or unauthenticated frame")
					return
				}
				break
			}

			if len(inbuf) > maxInbuf {
				c.log.WithFields(logger.Fields{"peer": c.peer, "size": len(inbuf)}).Warn("input buffer exceeded maximum, closing")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// closeNow is idempotent: it stops further queuing and signals the
// writer goroutine to drain and close the socket.
func (c *Connection) closeNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Connection) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s(%s)", c.id, c.peer)
}
