package chatserver

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-i2p/logger"
	"github.com/stretchr/testify/require"

	"etschat/internal/cryptoenv"
	"etschat/pkg/wire"
)

const testSecret = "test_shared_secret_32bytes_or_more"

var errDecodeFailed = errors.New("test: frame decode failed")

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	s := New([]byte(testSecret), 0, logger.GetGoI2PLogger())
	require.NoError(t, s.Listen("127.0.0.1:0"))

	go func() {
		_ = s.Serve()
	}()

	return s.listener.Addr().String(), s.Stop
}

// testClient is a minimal synchronous client used only to drive the
// server in tests; it is not the interactive cmd/client.
type testClient struct {
	t    *testing.T
	conn net.Conn
	pair *cryptoenv.Pair
	buf  []byte // bytes read but not yet consumed into a frame
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	return &testClient{t: t, conn: conn, pair: cryptoenv.NewPair([]byte(testSecret))}
}

func (tc *testClient) send(typ wire.MessageType, payload string) {
	tc.t.Helper()
	frame, err := wire.Encode(typ, []byte(payload), tc.pair.Send)
	require.NoError(tc.t, err)
	_, err = tc.conn.Write(frame)
	require.NoError(tc.t, err)
}

// recvOne reads exactly one frame, blocking until it arrives or the
// deadline passes. Bytes read past the frame boundary are retained
// for the next call, since a single Read can return more than one
// frame's worth of bytes.
func (tc *testClient) recvOne() (wire.MessageType, string, error) {
	tc.t.Helper()
	_ = tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	chunk := make([]byte, 4096)
	for {
		consumed, hdr, plaintext, status := wire.Decode(tc.buf, tc.pair.Recv)
		if status == wire.Complete {
			tc.buf = append(tc.buf[:0], tc.buf[consumed:]...)
			return hdr.Type, string(plaintext), nil
		}
		if status == wire.Error {
			return 0, "", errDecodeFailed
		}

		n, err := tc.conn.Read(chunk)
		if err != nil {
			return 0, "", err
		}
		tc.buf = append(tc.buf, chunk[:n]...)
	}
}

func TestWelcomeOnAccept(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestClient(t, addr)
	defer c.conn.Close()

	typ, text, err := c.recvOne()
	require.NoError(t, err)
	require.Equal(t, wire.Hello, typ)
	require.Equal(t, "Welcome. Use HELLO <name>, JOIN <room>.", text)
}

func TestHelloSetsUsername(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestClient(t, addr)
	defer c.conn.Close()
	_, _, err := c.recvOne() // welcome
	require.NoError(t, err)

	c.send(wire.Hello, "Alice")
	_, text, err := c.recvOne()
	require.NoError(t, err)
	require.Equal(t, "[system] Username set", text)
}

func TestHelloRejectsEmptyAndTooLong(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestClient(t, addr)
	defer c.conn.Close()
	_, _, err := c.recvOne() // welcome
	require.NoError(t, err)

	c.send(wire.Hello, "")
	_, text, err := c.recvOne()
	require.NoError(t, err)
	require.Equal(t, "[system] Error: Empty username", text)

	longName := make([]byte, 33)
	for i := range longName {
		longName[i] = 'x'
	}
	c.send(wire.Hello, string(longName))
	_, text, err = c.recvOne()
	require.NoError(t, err)
	require.Equal(t, "[system] Error: Username too long", text)
}

func TestChatFanOutAcrossRooms(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c1 := dialTestClient(t, addr)
	defer c1.conn.Close()
	c2 := dialTestClient(t, addr)
	defer c2.conn.Close()
	c3 := dialTestClient(t, addr)
	defer c3.conn.Close()

	for _, c := range []*testClient{c1, c2, c3} {
		_, _, err := c.recvOne() // welcome
		require.NoError(t, err)
	}

	c1.send(wire.Hello, "A")
	_, _, err := c1.recvOne() // username set
	require.NoError(t, err)
	c2.send(wire.Hello, "B")
	_, _, err = c2.recvOne()
	require.NoError(t, err)

	// c1 joins room1: it is the only room1 member at this instant, so
	// it alone hears the "has joined" announcement; the "has left"
	// announcement goes to whoever remains in the old room (lobby),
	// i.e. c2 and c3, not c1 itself (c1 is no longer a lobby member).
	c1.send(wire.Join, "room1")
	_, joinMsg1, err := c1.recvOne()
	require.NoError(t, err)
	require.Contains(t, joinMsg1, "A has joined")

	_, leaveMsg2, err := c2.recvOne()
	require.NoError(t, err)
	require.Contains(t, leaveMsg2, "A has left")
	_, leaveMsg3, err := c3.recvOne()
	require.NoError(t, err)
	require.Contains(t, leaveMsg3, "A has left")

	// c2 joins room1: both c1 and c2 (now room1 members) hear "B has
	// joined"; only c3 (still in lobby) hears "B has left".
	c2.send(wire.Join, "room1")
	_, joinMsg1Observed, err := c1.recvOne()
	require.NoError(t, err)
	require.Contains(t, joinMsg1Observed, "B has joined")
	_, joinMsg2, err := c2.recvOne()
	require.NoError(t, err)
	require.Contains(t, joinMsg2, "B has joined")

	_, leaveMsg3b, err := c3.recvOne()
	require.NoError(t, err)
	require.Contains(t, leaveMsg3b, "B has left")

	c1.send(wire.Chat, "hi")

	_, chatSelf, err := c1.recvOne()
	require.NoError(t, err)
	require.Contains(t, chatSelf, "A: hi")

	_, chatOther, err := c2.recvOne()
	require.NoError(t, err)
	require.Contains(t, chatOther, "A: hi")

	// c3 stayed in lobby; it must not receive the room1 chat line.
	_ = c3.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	_, err = c3.conn.Read(buf)
	require.Error(t, err, "c3 should not have received anything from room1")
}

func TestDiscClosesConnection(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestClient(t, addr)
	defer c.conn.Close()
	_, _, err := c.recvOne() // welcome
	require.NoError(t, err)

	c.send(wire.Disc, "")
	_, text, err := c.recvOne()
	require.NoError(t, err)
	require.Equal(t, "[system] Goodbye!", text)

	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	_, err = c.conn.Read(buf)
	require.Error(t, err)
}
