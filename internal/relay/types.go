package relay

import (
	"fmt"
	"net"
)

// Session is one connected client: its identity, its current room, and the
// outbound queue drained by the writer goroutine. A session belongs to at
// most one room at a time; the registry owns the membership, the connection
// handler owns the reads.
type Session struct {
	ID       string
	Username string
	Room     string
	Conn     net.Conn
	Out      chan string // outbound lines, written by the writer goroutine
}

type EventType int

const (
	EventJoin EventType = iota
	EventLeave
	EventBroadcast
	EventCreateRoom
	EventFetchRooms
	EventHistory
)

// Event is the only way handlers talk to the registry. All shared state
// lives behind the registry's event loop.
type Event struct {
	Type      EventType
	Session   *Session
	Username  string
	Room      string
	Text      string
	ReplyChan chan error // used by join to ack registration
}

var (
	ErrEmptyUsername = fmt.Errorf("empty username")
	ErrEmptyRoom     = fmt.Errorf("empty room name")
	ErrBadFileName   = fmt.Errorf("unusable file name")
	ErrBadFileSize   = fmt.Errorf("unparsable file size")
	ErrFileTooLarge  = fmt.Errorf("announced file size exceeds limit")
)
