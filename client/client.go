// Package client speaks the relay wire protocol: two-line handshake,
// newline-terminated text lines, and the inline FILE sub-protocol. It is
// the surface a UI sits on; it renders nothing itself.
package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Callbacks receive inbound traffic, classified. Nil callbacks are skipped.
// They are invoked from the client's receive goroutine, one at a time.
type Callbacks struct {
	OnChatLine       func(line string)
	OnPresenceUpdate func(names []string)
	OnRoomListUpdate func(names []string)
}

type Client struct {
	conn    net.Conn
	writeMu sync.Mutex // serializes chat lines against file payloads
	cb      Callbacks
	done    chan struct{}
}

// Dial connects, performs the handshake, and starts the receive loop.
func Dial(addr, username, room string, cb Callbacks) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n%s\n", username, room); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c := &Client{
		conn: conn,
		cb:   cb,
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

const (
	presencePrefix = "Active users in "
	roomListPrefix = "Available rooms: "
)

func (c *Client) readLoop() {
	defer close(c.done)

	r := bufio.NewReader(c.conn)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")

		switch {
		case strings.HasPrefix(line, presencePrefix):
			if c.cb.OnPresenceUpdate != nil {
				c.cb.OnPresenceUpdate(splitNames(afterColon(line)))
			}
		case strings.HasPrefix(line, roomListPrefix):
			if c.cb.OnRoomListUpdate != nil {
				c.cb.OnRoomListUpdate(splitNames(strings.TrimPrefix(line, roomListPrefix)))
			}
		default:
			if c.cb.OnChatLine != nil {
				c.cb.OnChatLine(line)
			}
		}
	}
}

// SendChat sends one chat line. The server forwards it verbatim after
// prefixing the sender label; timestamps are the caller's business.
func (c *Client) SendChat(text string) error {
	return c.writeLine(text)
}

func (c *Client) FetchRooms() error {
	return c.writeLine("FETCH_ROOMS")
}

func (c *Client) CreateRoom(name string) error {
	return c.writeLine("CREATE_ROOM:" + name)
}

func (c *Client) RequestHistory() error {
	return c.writeLine("CHAT_HISTORY")
}

// SendFile announces the file's base name and size, then streams the
// payload in 1024-byte chunks. The whole exchange holds the write lock so
// no chat line can interleave with raw payload bytes.
func (c *Client) SendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := fmt.Fprintf(c.conn, "FILE:%s\n%d\n", filepath.Base(path), info.Size()); err != nil {
		return fmt.Errorf("announce file: %w", err)
	}
	buf := make([]byte, 1024)
	if _, err := io.CopyBuffer(c.conn, f, buf); err != nil {
		return fmt.Errorf("send payload: %w", err)
	}
	return nil
}

// Done is closed when the receive loop ends, i.e. the server hung up or
// Close was called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// afterColon strips everything up to the first ": ", i.e. the room label of
// a presence line.
func afterColon(line string) string {
	if i := strings.Index(line, ": "); i >= 0 {
		return line[i+2:]
	}
	return ""
}

func splitNames(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	parts := strings.Split(list, ", ")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}
