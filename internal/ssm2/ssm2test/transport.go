// Package ssm2test provides a scripted ssm2.Transport for tests.
package ssm2test

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

// Transport plays back a script. Every write is echoed (like the K-line
// does) and followed by the next queued reply, or by whatever Respond
// returns when it is set. Feed appends bytes without a write, which is how
// the ECU streams in continuous response mode.
type Transport struct {
	mu      sync.Mutex
	echo    bool
	replies [][]byte
	rx      []byte
	writes  [][]byte
	flushes int
	closed  bool

	// Respond, when set, computes the reply to a request packet.
	Respond func(req []byte) []byte
	// WriteErr and ReadErr, when set, are returned by every call.
	WriteErr error
	ReadErr  error
}

// New returns an echoing transport.
func New() *Transport { return &Transport{echo: true} }

// NoEcho returns a transport that does not reflect writes.
func NoEcho() *Transport { return &Transport{} }

// QueueReply queues one reply per future write. A nil reply means silence.
func (t *Transport) QueueReply(replies ...[]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, replies...)
}

// Feed makes b readable immediately.
func (t *Transport) Feed(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = append(t.rx, b...)
}

// Writes returns the packets written so far.
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// Flushes returns how often FlushInput was called.
func (t *Transport) Flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteErr != nil {
		return t.WriteErr
	}
	t.writes = append(t.writes, append([]byte(nil), p...))
	if t.echo {
		t.rx = append(t.rx, p...)
	}
	switch {
	case t.Respond != nil:
		t.rx = append(t.rx, t.Respond(p)...)
	case len(t.replies) > 0:
		t.rx = append(t.rx, t.replies[0]...)
		t.replies = t.replies[1:]
	}
	return nil
}

// ReadExactlyOrTimeout never blocks: a short buffer is reported as a timeout
// straight away.
func (t *Transport) ReadExactlyOrTimeout(n int, _ time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ReadErr != nil {
		return nil, t.ReadErr
	}
	if len(t.rx) >= n {
		out := append([]byte(nil), t.rx[:n]...)
		t.rx = t.rx[n:]
		return out, nil
	}
	out := t.rx
	t.rx = nil
	return out, fmt.Errorf("%w: got %d bytes, want %d", ssm2.ErrTimeout, len(out), n)
}

func (t *Transport) FlushInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	t.rx = nil
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Frame builds a checksummed reply frame from the ECU to the tool.
func Frame(command byte, payload ...byte) []byte {
	return ssm2.EncodeFrame(ssm2.Frame{
		Destination: ssm2.DefaultSource,
		Source:      ssm2.DefaultDestination,
		Command:     command,
		Payload:     payload,
	})
}

// InitReply builds a plausible init reply: SSM ID, ROM ID, capability bytes.
func InitReply() []byte {
	return Frame(0xFF,
		0xA2, 0x10, 0x11, // SSM ID
		0x3D, 0x12, 0x59, 0x40, 0x06, // ROM ID
		0xF3, 0xFA, 0xC9, 0x8E, 0x00, // capabilities
	)
}
