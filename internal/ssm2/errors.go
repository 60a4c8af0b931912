package ssm2

import "errors"

var (
	// ErrInvalidArgument reports malformed command parameters. Never retried.
	ErrInvalidArgument = errors.New("ssm2: invalid argument")

	// ErrTruncatedFrame reports a response shorter than the echoed request or
	// a reply frame that ended before its declared length.
	ErrTruncatedFrame = errors.New("ssm2: truncated frame")

	// ErrNoResponse reports that the ECU did not answer within the timeout.
	ErrNoResponse = errors.New("ssm2: no response")

	// ErrChecksumMismatch reports a reply frame whose checksum byte does not
	// match the sum of the preceding bytes.
	ErrChecksumMismatch = errors.New("ssm2: checksum mismatch")

	// ErrHandshakeFailed reports that the init retry budget was exhausted.
	ErrHandshakeFailed = errors.New("ssm2: handshake failed")

	// ErrTimeout is returned by transports when fewer bytes than requested
	// arrived before the read timeout.
	ErrTimeout = errors.New("ssm2: read timeout")

	// ErrFaulted is returned by a session that saw an unrecoverable transport
	// error. Only Reconnect clears it.
	ErrFaulted = errors.New("ssm2: session faulted")
)
