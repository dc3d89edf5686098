// Package hostconn implements the printer-host connection: a framed Unix
// domain socket transport, an RPC multiplexer correlating requests and
// dispatching remote methods, and the connect/identify/subscribe/ready
// state machine described in spec.md §4.2-§4.4.
package hostconn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"time"
)

// frameDelimiter is the trailing byte that terminates every JSON frame on
// the wire in both directions, per spec.md §4.2.
const frameDelimiter = 0x03

// Transport owns a single net.Conn to the printer host and frames
// messages with a trailing 0x03 byte. It does not interpret frame
// contents; that is the multiplexer's job (client.go).
type Transport struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewTransport wraps an already-established connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}
}

// Dial opens a stream socket to path. Callers retry per spec.md §4.2
// ("retry after 0.25s forever"); Dial itself makes one attempt.
func Dial(ctx context.Context, path string) (*Transport, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("hostconn: dial %s: %w", path, err)
	}
	return NewTransport(conn), nil
}

// WriteFrame marshals nothing itself; it writes raw already-encoded JSON
// bytes followed by the frame delimiter.
func (t *Transport) WriteFrame(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, frameDelimiter)
	_, err := t.conn.Write(buf)
	return err
}

// ReadFrame blocks until a full 0x03-terminated frame arrives, returning
// the frame with the delimiter stripped and surrounding whitespace
// trimmed per spec.md §4.2 ("trimmed, then JSON-decoded").
func (t *Transport) ReadFrame() ([]byte, error) {
	data, err := t.reader.ReadBytes(frameDelimiter)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSuffix(data, []byte{frameDelimiter})
	return bytes.TrimSpace(data), nil
}

// Close closes the underlying connection. Closing triggers the
// multiplexer's disconnect path; see Client.runReadLoop.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SetDeadline is exposed for tests that want to force a read timeout.
func (t *Transport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}
