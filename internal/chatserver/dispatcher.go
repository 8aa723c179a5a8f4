package chatserver

import (
	"fmt"
	"strings"
	"time"

	"etschat/pkg/wire"
)

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func chatLine(ts, user, text string) string {
	return fmt.Sprintf("[%s] %s: %s", ts, user, text)
}

func systemLine(ts, text string) string {
	return fmt.Sprintf("[%s] [system] %s", ts, text)
}

// dispatch implements the message-dispatcher table: Hello sets the
// username, Chat/Join/Disc/RoomN/UserN route through the room
// registry and fan out via Connection.queue.
func (s *Server) dispatch(c *Connection, typ wire.MessageType, payload []byte) {
	text := string(payload)

	switch typ {
	case wire.Hello:
		s.handleHello(c, text)
	case wire.Chat:
		s.handleChat(c, text)
	case wire.Join:
		s.handleJoin(c, text)
	case wire.Disc:
		s.handleDisc(c)
	case wire.RoomN:
		s.handleRoomList(c)
	case wire.UserN:
		s.handleUserList(c)
	default:
		// Unknown types are ignored by the server.
	}
}

func (s *Server) handleHello(c *Connection, name string) {
	if name == "" {
		c.queue(wire.Chat, "[system] Error: Empty username")
		return
	}
	if len(name) > 32 {
		c.queue(wire.Chat, "[system] Error: Username too long")
		return
	}

	if err := s.registry.setUsername(c.id, name); err != nil {
		c.queue(wire.Chat, fmt.Sprintf("[system] Error: %s", err))
		return
	}
	c.queue(wire.Chat, "[system] Username set")
}

func (s *Server) handleChat(c *Connection, line string) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return
	}

	room := s.registry.roomOfConn(c.id)
	user := s.registry.usernameOf(c.id)
	ts := timestamp()

	s.broadcastRoom(room, chatLine(ts, user, line))
}

func (s *Server) handleJoin(c *Connection, room string) {
	if room == "" {
		c.queue(wire.Chat, "[system] Error: Empty room name")
		return
	}
	if len(room) > 32 {
		c.queue(wire.Chat, "[system] Error: Room name too long")
		return
	}

	oldRoom, err := s.registry.join(c, room)
	if err != nil {
		c.queue(wire.Chat, fmt.Sprintf("[system] Error: %s", err))
		return
	}

	user := s.registry.usernameOf(c.id)
	ts := timestamp()
	s.broadcastRoom(room, systemLine(ts, fmt.Sprintf("%s has joined", user)))

	if oldRoom != room && oldRoom != "" {
		s.broadcastRoom(oldRoom, systemLine(ts, fmt.Sprintf("%s has left", user)))
	}
}

func (s *Server) handleDisc(c *Connection) {
	c.queue(wire.Chat, "[system] Goodbye!")
	c.closeNow()
}

func (s *Server) handleRoomList(c *Connection) {
	var b strings.Builder
	b.WriteString("Available rooms:\n")
	for _, rc := range s.registry.roomCounts() {
		fmt.Fprintf(&b, " - %s (%d users)\n", rc.room, rc.count)
	}
	c.queue(wire.RoomN, b.String())
}

func (s *Server) handleUserList(c *Connection) {
	room := s.registry.roomOfConn(c.id)

	var b strings.Builder
	fmt.Fprintf(&b, "Users in room '%s':\n", room)
	for _, name := range s.registry.usersInRoom(room) {
		fmt.Fprintf(&b, " - %s\n", name)
	}
	c.queue(wire.UserN, b.String())
}

// broadcastRoom sends line as a Chat frame to every member of room.
func (s *Server) broadcastRoom(room, line string) {
	for _, member := range s.registry.membersOf(room) {
		member.queue(wire.Chat, line)
	}
}
