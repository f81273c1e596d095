package relay

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	cmdFetchRooms  = "FETCH_ROOMS"
	cmdCreateRoom  = "CREATE_ROOM:"
	cmdChatHistory = "CHAT_HISTORY"
	cmdFile        = "FILE:"
)

// handleSession drives one connection: two-line handshake, then the
// dispatch loop until EOF or error. Every failure is local to this
// session; it is logged and turned into a disconnect, never surfaced to
// other sessions.
func (s *Server) handleSession(sess *Session) {
	defer func() {
		_ = sess.Conn.Close()
	}()

	startWriter(sess.Conn, sess.Out)

	reader := bufio.NewReader(sess.Conn)

	username, room, err := readHandshake(reader)
	if err != nil {
		// No session was registered; the writer stops with the channel.
		s.logger.Warn("handshake failed", "session", sess.ID, "error", err)
		close(sess.Out)
		return
	}

	reply := make(chan error, 1)
	s.reg.Events() <- Event{
		Type:      EventJoin,
		Session:   sess,
		Username:  username,
		Room:      room,
		ReplyChan: reply,
	}
	if joinErr := <-reply; joinErr != nil {
		s.logger.Warn("join rejected", "session", sess.ID, "error", joinErr)
		close(sess.Out)
		return
	}

	for {
		line, err := readLine(reader)
		if err != nil {
			s.reg.Events() <- Event{Type: EventLeave, Session: sess}
			return
		}

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, cmdFetchRooms):
			s.reg.Events() <- Event{Type: EventFetchRooms, Session: sess}
		case strings.HasPrefix(line, cmdCreateRoom):
			s.reg.Events() <- Event{
				Type:    EventCreateRoom,
				Session: sess,
				Room:    strings.TrimSpace(strings.TrimPrefix(line, cmdCreateRoom)),
			}
		case strings.HasPrefix(line, cmdChatHistory):
			s.reg.Events() <- Event{Type: EventHistory, Session: sess}
		case strings.HasPrefix(line, cmdFile):
			if err := s.receiveFile(reader, sess, strings.TrimPrefix(line, cmdFile)); err != nil {
				s.logger.Warn("file transfer failed", "session", sess.ID, "error", err)
				s.reg.Events() <- Event{Type: EventLeave, Session: sess}
				return
			}
		default:
			s.reg.Events() <- Event{
				Type:    EventBroadcast,
				Session: sess,
				Text:    sess.Username + ": " + line,
			}
		}
	}
}

// readHandshake reads the username and room lines. Nothing beyond
// non-emptiness is validated here; uniqueness is the registry's job.
func readHandshake(r *bufio.Reader) (username, room string, err error) {
	line, err := readLine(r)
	if err != nil {
		return "", "", fmt.Errorf("read username: %w", err)
	}
	username = strings.TrimSpace(line)
	if username == "" {
		return "", "", ErrEmptyUsername
	}

	line, err = readLine(r)
	if err != nil {
		return "", "", fmt.Errorf("read room: %w", err)
	}
	room = strings.TrimSpace(line)
	if room == "" {
		return "", "", ErrEmptyRoom
	}
	return username, room, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == nil {
		return strings.TrimRight(line, "\r\n"), nil
	}
	if err == io.EOF && line != "" {
		// last line without newline
		return strings.TrimRight(line, "\r\n"), nil
	}
	if err == io.EOF {
		return "", io.EOF
	}
	return "", fmt.Errorf("read: %w", err)
}
