// ABOUTME: Scripted in-memory transport for agent tests.
// ABOUTME: Auto-replies per sent envelope and detects interleaved exchanges.

package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/gridwork/acctrelay/wire"
)

// fakeTransport is an in-memory accounting endpoint. By default it
// acknowledges every item in every request; tests override connectErr,
// sendErr, respond, or rawReply to script failures.
type fakeTransport struct {
	mu sync.Mutex

	connectErr error
	sendErr    error
	recvErr    error

	// respond overrides the default all-success reply builder.
	respond func(sent []byte) *wire.Reply
	// rawReply, when set, is returned verbatim once (for malformed-reply
	// tests).
	rawReply []byte

	open     bool
	sent     [][]byte
	pending  []byte
	inFlight bool
	// overlapped records a Send arriving while a previous exchange was
	// still awaiting its reply. The ordering invariant forbids this.
	overlapped bool

	connects int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("fake: not connected")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.inFlight {
		f.overlapped = true
	}
	f.inFlight = true
	cp := append([]byte(nil), payload...)
	f.sent = append(f.sent, cp)
	f.pending = cp
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, errors.New("fake: not connected")
	}
	f.inFlight = false
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if f.rawReply != nil {
		raw := f.rawReply
		f.rawReply = nil
		return raw, nil
	}

	reply := f.buildReply(f.pending)
	raw, err := wire.EncodeReply(reply)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *fakeTransport) buildReply(sent []byte) *wire.Reply {
	if f.respond != nil {
		return f.respond(sent)
	}
	n := 1
	if frames, err := wire.DecodeBatch(sent); err == nil {
		n = len(frames)
	}
	codes := make([]wire.ResultCode, n)
	return &wire.Reply{Codes: codes}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) Addr() string { return "fake:6819" }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentPayload(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTransport) setRecvErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvErr = err
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) sawOverlap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlapped
}
