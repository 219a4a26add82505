// ABOUTME: Tests for the framed TCP transport against a local listener.
// ABOUTME: Covers round trips, dial failures, timeouts, and oversized replies.

package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts one connection and echoes frames back verbatim.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var hdr [4]byte
			if _, err := io.ReadFull(conn, hdr[:]); err != nil {
				return
			}
			payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			if _, err := conn.Write(hdr[:]); err != nil {
				return
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestTCPRoundTrip(t *testing.T) {
	addr := echoServer(t)
	tr := NewTCP(addr, time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	payload := []byte("job accounting record")
	require.NoError(t, tr.Send(ctx, payload))

	got, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTCPConnectFailure(t *testing.T) {
	// Reserve a port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tr := NewTCP(addr, 500*time.Millisecond)
	assert.Error(t, tr.Connect(context.Background()))
}

func TestTCPDoubleConnect(t *testing.T) {
	addr := echoServer(t)
	tr := NewTCP(addr, time.Second)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()
	assert.Error(t, tr.Connect(context.Background()), "caller must close before redialing")
}

func TestTCPIOWithoutConnection(t *testing.T) {
	tr := NewTCP("127.0.0.1:1", time.Second)
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("x")), ErrNotConnected)
	_, err := tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTCPReceiveTimeout(t *testing.T) {
	// A listener that accepts but never replies.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(5 * time.Second)
	}()

	tr := NewTCP(ln.Addr().String(), 100*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	_, err = tr.Receive(ctx)
	require.Error(t, err, "receive must be bounded by the timeout")
	var nerr net.Error
	assert.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestTCPOversizedReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], maxFrameLen+1)
		conn.Write(hdr[:])
		time.Sleep(time.Second)
	}()

	tr := NewTCP(ln.Addr().String(), time.Second)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	_, err = tr.Receive(context.Background())
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestTCPCloseIdempotent(t *testing.T) {
	addr := echoServer(t)
	tr := NewTCP(addr, time.Second)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}
