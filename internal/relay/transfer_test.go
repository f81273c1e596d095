package relay

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 128
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 1 << 20
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, logger)
	go srv.reg.Run()
	t.Cleanup(func() {
		srv.reg.Stop()
		srv.reg.Wait()
	})
	return srv
}

func payloadReader(sizeLine string, payload []byte, trailing string) *bufio.Reader {
	var b bytes.Buffer
	b.WriteString(sizeLine)
	b.WriteString("\n")
	b.Write(payload)
	b.WriteString(trailing)
	return bufio.NewReader(&b)
}

func TestReceiveFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir})

	sender := newTestSession(256)
	observer := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")
	joinSession(t, srv.reg, observer, "bob", "files")

	// Two full chunks plus a short final one, with embedded newlines.
	payload := bytes.Repeat([]byte("data\nwith\x00newlines\n"), 200)
	r := payloadReader("3000", payload[:3000], "")

	require.NoError(t, srv.receiveFile(r, sender, "report.bin"))

	require.Equal(t, "alice is sending a file: report.bin", waitForPrefix(t, observer.Out, "alice is sending"))
	require.Equal(t, "File received: report.bin", waitForPrefix(t, observer.Out, "File received"))

	written, err := os.ReadFile(filepath.Join(dir, "report.bin"))
	require.NoError(t, err)
	require.Equal(t, payload[:3000], written)
}

func TestReceiveFile_ResumesLineReadsAfterPayload(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir})

	sender := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")

	r := payloadReader("5", []byte("hello"), "next line\n")
	require.NoError(t, srv.receiveFile(r, sender, "greeting.txt"))

	// The payload length was exact, so the dispatch loop picks up the very
	// next line untouched.
	line, err := readLine(r)
	require.NoError(t, err)
	require.Equal(t, "next line", line)
}

func TestReceiveFile_BadSizeAbortsSilently(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir})

	sender := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")

	r := payloadReader("not-a-number", nil, "still here\n")
	require.NoError(t, srv.receiveFile(r, sender, "x.bin"))

	line, err := readLine(r)
	require.NoError(t, err)
	require.Equal(t, "still here", line)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "no partial file may be created")
}

func TestReceiveFile_SanitizesTraversalNames(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir})

	sender := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")

	r := payloadReader("4", []byte("evil"), "")
	require.NoError(t, srv.receiveFile(r, sender, "../../outside.txt"))

	// The payload lands inside the download dir under the base name only.
	written, err := os.ReadFile(filepath.Join(dir, "outside.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("evil"), written)

	_, err = os.Stat(filepath.Join(dir, "..", "..", "outside.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestReceiveFile_RejectsUnusableNameButKeepsFraming(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir})

	sender := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")

	r := payloadReader("7", []byte("payload"), "after\n")
	require.NoError(t, srv.receiveFile(r, sender, ".."))

	line, err := readLine(r)
	require.NoError(t, err)
	require.Equal(t, "after", line)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReceiveFile_RejectsOversizedAnnouncement(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir, MaxFileSize: 8})

	sender := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")

	r := payloadReader("16", []byte("0123456789abcdef"), "after\n")
	require.NoError(t, srv.receiveFile(r, sender, "big.bin"))

	line, err := readLine(r)
	require.NoError(t, err)
	require.Equal(t, "after", line)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReceiveFile_TruncatedPayloadNotifiesRoom(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir})

	sender := newTestSession(256)
	observer := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")
	joinSession(t, srv.reg, observer, "bob", "files")

	r := payloadReader("100", []byte("only ten b"), "")
	require.Error(t, srv.receiveFile(r, sender, "cut.bin"))

	require.Equal(t, "alice is sending a file: cut.bin", waitForPrefix(t, observer.Out, "alice is sending"))
	require.Equal(t, "File transfer from alice truncated: cut.bin", waitForPrefix(t, observer.Out, "File transfer from"))

	_, err := os.Stat(filepath.Join(dir, "cut.bin"))
	require.True(t, os.IsNotExist(err), "partial file must be removed")
}

func TestReceiveFile_ZeroByteFile(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{DownloadDir: dir})

	sender := newTestSession(256)
	joinSession(t, srv.reg, sender, "alice", "files")

	r := payloadReader("0", nil, "after\n")
	require.NoError(t, srv.receiveFile(r, sender, "empty.bin"))

	info, err := os.Stat(filepath.Join(dir, "empty.bin"))
	require.NoError(t, err)
	require.Zero(t, info.Size())

	line, err := readLine(r)
	require.NoError(t, err)
	require.Equal(t, "after", line)
}

func TestSanitizeFileName(t *testing.T) {
	for raw, want := range map[string]string{
		"report.pdf":        "report.pdf",
		" spaced.txt ":      "spaced.txt",
		"../../etc/passwd":  "passwd",
		"/absolute/path.go": "path.go",
	} {
		got, err := sanitizeFileName(raw)
		require.NoError(t, err, "raw=%q", raw)
		require.Equal(t, want, got, "raw=%q", raw)
	}

	for _, raw := range []string{"", "   ", ".", "..", "/"} {
		_, err := sanitizeFileName(raw)
		require.ErrorIs(t, err, ErrBadFileName, "raw=%q", raw)
	}
}
