package relay

import (
	"bufio"
	"net"
)

// startWriter drains a session's outbound queue onto its connection, one
// flushed line per entry. The goroutine exits when the queue is closed by
// the registry or the peer goes away.
func startWriter(conn net.Conn, out <-chan string) {
	go func() {
		w := bufio.NewWriter(conn)
		for line := range out {
			// Best-effort. If the connection breaks, just stop the writer;
			// the registry evicts the session once its queue fills up.
			if _, err := w.WriteString(line + "\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}()
}
