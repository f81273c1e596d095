package relay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// fileChunkSize is the raw read unit of the payload phase.
const fileChunkSize = 1024

// receiveFile runs the inline file sub-protocol on the session's reader:
// announce, size line, then exactly size raw payload bytes streamed to the
// download directory. The payload length is exact, so the dispatch loop can
// resume line-oriented reads afterwards. A returned error means the stream
// is no longer usable and the session must be torn down.
func (s *Server) receiveFile(r *bufio.Reader, sess *Session, rawName string) error {
	name, nameErr := sanitizeFileName(rawName)
	if nameErr == nil {
		s.broadcastNotice(sess, sess.Username+" is sending a file: "+name)
	}

	sizeLine, err := readLine(r)
	if err != nil {
		return fmt.Errorf("read file size: %w", err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 10, 64)
	if err != nil || size < 0 {
		// Abort without touching the stream further; nothing was written.
		s.logger.Warn("file transfer aborted", "session", sess.ID, "error", ErrBadFileSize, "line", sizeLine)
		return nil
	}

	if nameErr != nil {
		// Keep line framing intact: the announced payload is on the wire
		// whether we want it or not.
		s.logger.Warn("file transfer rejected", "session", sess.ID, "error", nameErr, "name", rawName)
		return drainPayload(r, size)
	}
	if size > s.cfg.MaxFileSize {
		s.logger.Warn("file transfer rejected", "session", sess.ID, "error", ErrFileTooLarge, "name", name, "size", size)
		return drainPayload(r, size)
	}

	path := filepath.Join(s.cfg.DownloadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	received, err := copyPayload(f, r, size)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", path, cerr)
	}
	if err != nil {
		// The peer went away mid-payload. Drop the partial file and tell
		// the room instead of leaving a silent corrupt artifact behind.
		_ = os.Remove(path)
		s.broadcastNotice(sess, "File transfer from "+sess.Username+" truncated: "+name)
		return fmt.Errorf("receive payload after %d/%d bytes: %w", received, size, err)
	}

	FileBytesReceived.Add(float64(size))
	if mt, merr := mimetype.DetectFile(path); merr == nil {
		s.logger.Info("file received", "session", sess.ID, "name", name, "bytes", size, "type", mt.String())
	} else {
		s.logger.Info("file received", "session", sess.ID, "name", name, "bytes", size)
	}

	s.broadcastNotice(sess, "File received: "+name)
	return nil
}

// sanitizeFileName reduces an attacker-controlled destination name to a
// bare base name so payloads can only land inside the download directory.
func sanitizeFileName(raw string) (string, error) {
	name := filepath.Base(strings.TrimSpace(raw))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", ErrBadFileName
	}
	return name, nil
}

// copyPayload reads exactly size bytes in fixed-size chunks, writing each
// chunk as it arrives. The final chunk may be short.
func copyPayload(w io.Writer, r io.Reader, size int64) (int64, error) {
	buf := make([]byte, fileChunkSize)
	var received int64
	for received < size {
		want := int64(fileChunkSize)
		if rem := size - received; rem < want {
			want = rem
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return received, werr
			}
			received += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return received, err
		}
	}
	return received, nil
}

func drainPayload(r io.Reader, size int64) error {
	if _, err := io.CopyN(io.Discard, r, size); err != nil {
		return fmt.Errorf("drain rejected payload: %w", err)
	}
	return nil
}

func (s *Server) broadcastNotice(sess *Session, text string) {
	s.reg.Events() <- Event{Type: EventBroadcast, Session: sess, Text: text}
}
