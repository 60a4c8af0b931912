package ssm2

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRetryDelay is the wait between init attempts.
	DefaultRetryDelay = 3 * time.Second
	// DefaultSteadyTimeout is the read timeout once the ECU is responsive.
	DefaultSteadyTimeout = 70 * time.Millisecond

	// maxFrameLength bounds any reply: header, 255 data bytes, checksum.
	maxFrameLength = HeaderSize + maxDataLength + 1

	ssmIDLength = 3
	romIDLength = 5
)

// HandshakeOptions controls Initialize. Zero values select the defaults.
type HandshakeOptions struct {
	RetryDelay    time.Duration
	MaxAttempts   uint          // 0 retries until success or ctx is done
	Timeout       time.Duration // per-attempt read timeout
	SteadyTimeout time.Duration // session timeout after success

	// OnAttempt is called after every attempt with its 1-based number and
	// result (nil on success).
	OnAttempt func(attempt uint, err error)
}

func (o *HandshakeOptions) defaults() {
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.SteadyTimeout <= 0 {
		o.SteadyTimeout = DefaultSteadyTimeout
	}
	if o.OnAttempt == nil {
		o.OnAttempt = func(uint, error) {}
	}
}

// ECUIdentity is parsed from the init reply: SSM ID, ROM ID and the
// capability bitfield that tells which parameters the ECU supports.
type ECUIdentity struct {
	SSMID        [ssmIDLength]byte
	ROMID        [romIDLength]byte
	Capabilities []byte
}

// Supports reports whether capability bit bit of byte index is set.
func (id *ECUIdentity) Supports(index int, bit uint) bool {
	if index < 0 || index >= len(id.Capabilities) || bit > 7 {
		return false
	}
	return id.Capabilities[index]&(1<<bit) != 0
}

func (id *ECUIdentity) String() string {
	return fmt.Sprintf("ssm=%s rom=%s", hex.EncodeToString(id.SSMID[:]), hex.EncodeToString(id.ROMID[:]))
}

// ParseIdentity decodes an init reply frame.
func ParseIdentity(reply []byte) (*ECUIdentity, error) {
	f, _, err := DecodeFrame(reply)
	if err != nil {
		return nil, err
	}
	if f.Command != OpInit.Reply() {
		return nil, fmt.Errorf("%w: init reply opcode 0x%02X", ErrTruncatedFrame, f.Command)
	}
	if len(f.Payload) < ssmIDLength+romIDLength {
		return nil, fmt.Errorf("%w: init reply has %d payload bytes", ErrTruncatedFrame, len(f.Payload))
	}
	id := &ECUIdentity{Capabilities: append([]byte(nil), f.Payload[ssmIDLength+romIDLength:]...)}
	copy(id.SSMID[:], f.Payload[:ssmIDLength])
	copy(id.ROMID[:], f.Payload[ssmIDLength:ssmIDLength+romIDLength])
	return id, nil
}

// Initialize sends init requests until the ECU answers, waiting RetryDelay
// between attempts. ECU wake-up timing varies, so several attempts are
// normal. On success the session timeout is narrowed to SteadyTimeout and the
// session becomes Ready. When MaxAttempts is exhausted the error wraps
// ErrHandshakeFailed and the session returns to Uninitialized.
func Initialize(ctx context.Context, s *Session, opts HandshakeOptions) (*ECUIdentity, error) {
	opts.defaults()
	if s.State() == StateFaulted {
		return nil, ErrFaulted
	}
	log := s.log.WithField("phase", "handshake")

	s.setState(StateHandshaking)
	if err := s.FlushInput(); err != nil {
		log.WithError(err).Warn("flush input failed")
	}

	var (
		id      *ECUIdentity
		attempt uint
	)
	err := retry.Do(
		func() error {
			attempt++
			reply, err := s.Exchange(BuildInit(), maxFrameLength, opts.Timeout)
			if err == nil {
				id, err = ParseIdentity(reply)
			}
			opts.OnAttempt(attempt, err)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(opts.MaxAttempts),
		retry.Delay(opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableInit),
		retry.OnRetry(func(n uint, err error) {
			// n is zero-based; nothing follows the final attempt.
			if opts.MaxAttempts != 0 && n+1 >= opts.MaxAttempts {
				return
			}
			log.WithError(err).WithField("attempt", n+1).Warnf("could not initialize ECU, retrying in %v", opts.RetryDelay)
		}),
	)
	if err != nil {
		s.setState(StateUninitialized)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssm2: handshake aborted after %d attempts: %w", attempt, ctxErr)
		}
		if !retryableInit(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrHandshakeFailed, attempt, err)
	}

	s.SetTimeout(opts.SteadyTimeout)
	s.setState(StateReady)
	log.WithFields(logrus.Fields{"attempts": attempt, "ecu": id.String()}).Info("ECU initialized")
	return id, nil
}

// retryableInit excludes caller bugs and a faulted session; everything the
// line can throw at us during wake-up is retried.
func retryableInit(err error) bool {
	return !errors.Is(err, ErrInvalidArgument) &&
		!errors.Is(err, ErrFaulted) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
