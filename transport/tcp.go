// ABOUTME: TCP implementation of Transport with uint32-length framing and IO deadlines.
// ABOUTME: One connection, one exchange at a time; concurrency is the caller's problem.

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameLen bounds a single reply so a confused endpoint cannot make the
// agent allocate without limit.
const maxFrameLen = 64 << 20

// TCP is the production transport: length-prefixed frames over a single
// TCP connection, every read and write bounded by Timeout.
type TCP struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCP creates an unconnected TCP transport for the given endpoint.
func NewTCP(addr string, timeout time.Duration) *TCP {
	return &TCP{addr: addr, timeout: timeout}
}

// Addr returns the configured endpoint address.
func (t *TCP) Addr() string { return t.addr }

// Connect dials the endpoint. The dial is bounded by the configured
// timeout and by ctx.
func (t *TCP) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return fmt.Errorf("transport: already connected to %s", t.addr)
	}
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.addr, err)
	}
	t.conn = conn
	return nil
}

// Send writes one length-prefixed frame.
func (t *TCP) Send(ctx context.Context, payload []byte) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Receive reads one length-prefixed frame.
func (t *TCP) Receive(ctx context.Context) ([]byte, error) {
	conn := t.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if err := conn.SetReadDeadline(t.deadline(ctx)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("transport: reply frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return payload, nil
}

// Close tears down the connection, if any.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCP) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// deadline combines the configured timeout with any earlier ctx deadline.
func (t *TCP) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
