package ssm2

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DefaultTimeout is the read timeout before the handshake narrows it.
const DefaultTimeout = 1 * time.Second

// Session sequences request/response exchanges over one Transport. Every
// call holds the session lock for its full write-then-read cycle, so a new
// request is never sent while a reply is pending.
type Session struct {
	mu      sync.Mutex
	t       Transport
	dst     byte
	src     byte
	timeout time.Duration
	initial time.Duration
	state   atomic.Int32
	log     logrus.FieldLogger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDestination sets the ECU address (default 0x10).
func WithDestination(b byte) SessionOption { return func(s *Session) { s.dst = b } }

// WithSource sets the tool address (default 0xF0).
func WithSource(b byte) SessionOption { return func(s *Session) { s.src = b } }

// WithTimeout sets the read timeout used until the handshake narrows it.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSession wraps t. The session starts Uninitialized.
func NewSession(t Transport, opts ...SessionOption) *Session {
	s := &Session{
		t:       t,
		dst:     DefaultDestination,
		src:     DefaultSource,
		timeout: DefaultTimeout,
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.initial = s.timeout
	s.log = s.log.WithField("component", "ssm2")
	return s
}

// State returns the current lifecycle state. Safe to call during an exchange.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.WithFields(logrus.Fields{"from": old, "to": st}).Debug("session state")
	}
}

// Timeout returns the current default read timeout.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout changes the default read timeout.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.timeout = d
	}
}

// Exchange writes cmd and reads the echo plus expectedReplyLength bytes. It
// returns the checksum-verified reply frame with the echo stripped. The reply
// frame is self-delimiting, so a complete frame followed by a timeout (as
// with the variable-length init reply) is accepted. A zero timeout uses the
// session timeout. Exchange does not retry.
func (s *Session) Exchange(cmd Command, expectedReplyLength int, timeout time.Duration) ([]byte, error) {
	if expectedReplyLength < 0 {
		return nil, fmt.Errorf("%w: reply length %d", ErrInvalidArgument, expectedReplyLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	pkt := BuildPacket(s.dst, s.src, cmd)
	if err := s.write(pkt); err != nil {
		return nil, err
	}
	raw, readErr := s.t.ReadExactlyOrTimeout(len(pkt)+expectedReplyLength, s.effective(timeout))
	if readErr != nil && !errors.Is(readErr, ErrTimeout) {
		return nil, s.fault(readErr)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, cmd.Opcode())
	}
	reply, err := ParseResponse(raw, len(pkt))
	if err != nil {
		return nil, err
	}
	return s.replyFrame(cmd.Opcode().String(), reply)
}

// Send writes cmd and consumes only its echo. It arms continuous response
// mode, whose frames are then read with Receive.
func (s *Session) Send(cmd Command, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	pkt := BuildPacket(s.dst, s.src, cmd)
	if err := s.write(pkt); err != nil {
		return err
	}
	echo, readErr := s.t.ReadExactlyOrTimeout(len(pkt), s.effective(timeout))
	if readErr != nil && !errors.Is(readErr, ErrTimeout) {
		return s.fault(readErr)
	}
	if len(echo) == 0 {
		return fmt.Errorf("%w: no echo for %s", ErrNoResponse, cmd.Opcode())
	}
	if _, err := ParseResponse(echo, len(pkt)); err != nil {
		return err
	}
	return nil
}

// Receive reads one reply frame of length bytes without sending anything.
func (s *Session) Receive(length int, timeout time.Duration) ([]byte, error) {
	if length < HeaderSize+2 {
		return nil, fmt.Errorf("%w: frame length %d", ErrInvalidArgument, length)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	raw, readErr := s.t.ReadExactlyOrTimeout(length, s.effective(timeout))
	if readErr != nil && !errors.Is(readErr, ErrTimeout) {
		return nil, s.fault(readErr)
	}
	return s.replyFrame("receive", raw)
}

// FlushInput drops unread input when the transport supports it.
func (s *Session) FlushInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.t.(InputFlusher); ok {
		return f.FlushInput()
	}
	return nil
}

// Reconnect replaces the transport and resets the session to Uninitialized.
// It is the only way out of Faulted.
func (s *Session) Reconnect(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.t != nil && s.t != t {
		err = s.t.Close()
	}
	s.t = t
	s.timeout = s.initial
	s.setState(StateUninitialized)
	return err
}

// Close closes the transport. The session is Faulted afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateFaulted)
	if s.t == nil {
		return nil
	}
	err := s.t.Close()
	s.t = nil
	return err
}

func (s *Session) usable() error {
	if s.t == nil {
		return fmt.Errorf("%w: no transport", ErrFaulted)
	}
	if s.State() == StateFaulted {
		return ErrFaulted
	}
	return nil
}

func (s *Session) effective(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return s.timeout
}

func (s *Session) write(pkt Packet) error {
	s.log.Debugf("tx % X", []byte(pkt))
	if err := s.t.Write(pkt); err != nil {
		return s.fault(err)
	}
	return nil
}

// fault records an unrecoverable transport error. Only a Ready session
// faults; during the handshake the error is left to the retry loop.
func (s *Session) fault(err error) error {
	if s.State() == StateReady {
		s.setState(StateFaulted)
		s.log.WithError(err).Warn("transport failure, session faulted")
	}
	return fmt.Errorf("ssm2: transport: %w", err)
}

func (s *Session) replyFrame(op string, reply []byte) ([]byte, error) {
	if len(reply) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, op)
	}
	s.log.Debugf("rx % X", reply)
	_, n, err := DecodeFrame(reply)
	if err != nil {
		return nil, err
	}
	return reply[:n], nil
}
