// Command client is the interactive terminal chat client: one
// connection, an input loop reading commands from standard input, and
// a receiver goroutine printing frames pushed by the server.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"

	"etschat/internal/cryptoenv"
	"etschat/pkg/wire"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <host:port> <shared-secret>\n", os.Args[0])
		os.Exit(1)
	}
	addr := os.Args[1]
	secret := os.Args[2]

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: connect to %s: %v\n", addr, err)
		os.Exit(1)
	}

	pair := cryptoenv.NewPair([]byte(secret))
	c := &client{
		conn:    conn,
		sendCtx: pair.Send,
		recvCtx: pair.Recv,
	}
	c.running.Store(true)

	code := c.run()
	memguard.Purge()
	os.Exit(code)
}

// client shares its socket and standard output between two
// cooperating actors: the input loop (this goroutine) and a
// background receiver. Both use the same crypto context pair since
// the server maintains one connection-scoped send context and one
// receive context, mirroring the sender/receiver split in
// internal/cryptoenv.
type client struct {
	conn    net.Conn
	sendCtx *cryptoenv.Context
	recvCtx *cryptoenv.Context

	ioMu    sync.Mutex
	running atomic.Bool
}

func (c *client) run() int {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.receiveLoop()
	}()

	c.printLocked("Commands: HELLO <name> | JOIN <room> | DISC | /quit | /rooms | /users")

	scanner := bufio.NewScanner(os.Stdin)
	for c.running.Load() {
		c.printPrompt()

		if !scanner.Scan() {
			break
		}
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if err := c.sendLine(line); err != nil {
			c.printLocked(fmt.Sprintf("[system] send failed: %v", err))
			break
		}

		if line == "/quit" || line == "/exit" || line == "DISC" {
			break
		}
	}

	c.running.Store(false)
	_ = c.conn.Close()
	wg.Wait()
	return 0
}

func (c *client) printPrompt() {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	fmt.Print("> ")
}

func (c *client) printLocked(s string) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	fmt.Println(s)
}

// parseCommand implements the client command grammar: HELLO/JOIN take
// the rest of the line as an argument, DISC/quit aliases close the
// connection, /rooms and /users are informational queries, and
// anything else is sent as a chat line.
func parseCommand(line string) (wire.MessageType, string) {
	switch {
	case strings.HasPrefix(line, "HELLO "):
		return wire.Hello, strings.TrimPrefix(line, "HELLO ")
	case strings.HasPrefix(line, "JOIN "):
		return wire.Join, strings.TrimPrefix(line, "JOIN ")
	case line == "DISC", line == "/quit", line == "/exit":
		return wire.Disc, ""
	case line == "/rooms":
		return wire.RoomN, ""
	case line == "/users":
		return wire.UserN, ""
	default:
		return wire.Chat, line
	}
}

func (c *client) sendLine(line string) error {
	typ, payload := parseCommand(line)
	frame, err := wire.Encode(typ, []byte(payload), c.sendCtx)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// receiveLoop reads and decrypts frames until the connection closes,
// printing each decoded plaintext. On failure it clears the running
// flag so the input loop also exits at its next iteration.
func (c *client) receiveLoop() {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for c.running.Load() {
		for {
			consumed, _, plaintext, status := wire.Decode(buf, c.recvCtx)
			if status == wire.Error {
				c.running.Store(false)
				c.printLocked("[system] disconnected.")
				_ = c.conn.Close()
				return
			}
			if status != wire.Complete {
				break
			}
			c.printLocked(string(plaintext))
			buf = append(buf[:0], buf[consumed:]...)
		}

		n, err := c.conn.Read(chunk)
		if err != nil {
			c.running.Store(false)
			c.printLocked("[system] disconnected.")
			_ = c.conn.Close()
			return
		}
		buf = append(buf, chunk[:n]...)
	}
}
