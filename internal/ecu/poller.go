package ecu

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

// ReplyOverhead is the frame overhead around the polled values: start,
// destination, source, length, reply opcode and checksum.
const ReplyOverhead = 6

// ErrNotReady is returned when polling is started before the handshake.
var ErrNotReady = errors.New("ecu: session not ready")

// PollHandle reads the continuous replies of one armed poll. It is not
// restartable: a new poll needs a new StartPolling.
type PollHandle struct {
	session  *ssm2.Session
	decoder  *Decoder
	frameLen int
	now      func() time.Time
}

// StartPolling sends the read-addresses request for layout once. The ECU
// then keeps answering until the next request, so this is an arm step, not a
// subscription.
func StartPolling(s *ssm2.Session, layout Layout) (*PollHandle, error) {
	dec, err := NewDecoder(layout)
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != ssm2.StateReady {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, st)
	}
	cmd, err := ssm2.BuildReadSingleAddresses(layout.Addresses())
	if err != nil {
		return nil, err
	}
	if err := s.Send(cmd, 0); err != nil {
		return nil, fmt.Errorf("ecu: arm poll: %w", err)
	}
	return &PollHandle{
		session:  s,
		decoder:  dec,
		frameLen: dec.Width() + ReplyOverhead,
		now:      time.Now,
	}, nil
}

// FrameLength is the number of bytes read per cycle.
func (h *PollHandle) FrameLength() int { return h.frameLen }

// Next reads and decodes one reply. A zero timeout uses the session's
// steady-state timeout. Failures are returned, never retried here.
func (h *PollHandle) Next(timeout time.Duration) (Reading, error) {
	raw, err := h.session.Receive(h.frameLen, timeout)
	if err != nil {
		return Reading{}, err
	}
	f, _, err := ssm2.DecodeFrame(raw)
	if err != nil {
		return Reading{}, err
	}
	if want := ssm2.OpReadAddresses.Reply(); f.Command != want {
		return Reading{}, fmt.Errorf("%w: reply opcode 0x%02X, want 0x%02X", ssm2.ErrTruncatedFrame, f.Command, want)
	}
	return h.decoder.Decode(f.Payload, h.now())
}

// Readings is the lazy, infinite sequence of poll cycles. Each error is
// yielded to the caller; the sequence ends when the caller stops ranging or
// the session faults.
func (h *PollHandle) Readings(timeout time.Duration) iter.Seq2[Reading, error] {
	return func(yield func(Reading, error) bool) {
		for {
			r, err := h.Next(timeout)
			if !yield(r, err) {
				return
			}
			if errors.Is(err, ssm2.ErrFaulted) {
				return
			}
		}
	}
}
