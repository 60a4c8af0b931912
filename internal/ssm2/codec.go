// Package ssm2 implements the Subaru Select Monitor v2 link layer: packet
// framing, reply validation, the request/response session over a half-duplex
// serial line, and the ECU init handshake.
package ssm2

import (
	"encoding/binary"
	"fmt"
)

const (
	// StartByte opens every SSM2 packet.
	StartByte byte = 0x80

	// DefaultDestination is the engine ECU.
	DefaultDestination byte = 0x10
	// DefaultSource is the diagnostic tool.
	DefaultSource byte = 0xF0

	// HeaderSize covers start, destination, source and data length.
	HeaderSize = 4

	// MaxAddress is the largest address that fits the 3-byte wire encoding.
	MaxAddress Address = 0xFFFFFF

	// maxDataLength is bounded by the single length byte.
	maxDataLength = 0xFF

	// MaxReadAddresses is the most addresses one 0xA8 request can carry.
	MaxReadAddresses = (maxDataLength - 2) / 3
)

// Opcode identifies an SSM2 command. Replies carry the request opcode + 0x40.
type Opcode byte

const (
	OpReadBlock          Opcode = 0xA0
	OpReadAddresses      Opcode = 0xA8
	OpWriteBlock         Opcode = 0xB0
	OpWriteSingleAddress Opcode = 0xB8
	OpInit               Opcode = 0xBF
)

// Reply returns the opcode the ECU answers this command with.
func (o Opcode) Reply() byte { return byte(o) + 0x40 }

func (o Opcode) String() string {
	switch o {
	case OpReadBlock:
		return "ReadBlock"
	case OpReadAddresses:
		return "ReadSingleAddresses"
	case OpWriteBlock:
		return "WriteBlock"
	case OpWriteSingleAddress:
		return "WriteSingleAddress"
	case OpInit:
		return "Init"
	default:
		return fmt.Sprintf("Opcode(0x%02X)", byte(o))
	}
}

// Address is a 24-bit ECU memory location.
type Address uint32

// Valid reports whether the address fits in 3 bytes.
func (a Address) Valid() bool { return a <= MaxAddress }

// appendTo appends the low 3 bytes of the big-endian representation.
func (a Address) appendTo(b []byte) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(a))
	return append(b, buf[1:]...)
}

func (a Address) String() string { return fmt.Sprintf("0x%06X", uint32(a)) }

// Command is the data field of a request packet, opcode first.
type Command struct {
	op   Opcode
	data []byte
}

// Opcode returns the command's opcode.
func (c Command) Opcode() Opcode { return c.op }

// Data returns a copy of the packet data field.
func (c Command) Data() []byte {
	out := make([]byte, len(c.data))
	copy(out, c.data)
	return out
}

// Packet is a complete framed request or reply.
type Packet []byte

// Checksum returns the low byte of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// VerifyChecksum recomputes the checksum over every byte but the last and
// compares it to the last byte.
func VerifyChecksum(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	n := len(frame) - 1
	return Checksum(frame[:n]) == frame[n]
}

// BuildPacket frames cmd as [0x80, dst, src, len, data..., checksum].
func BuildPacket(dst, src byte, cmd Command) Packet {
	p := make(Packet, 0, HeaderSize+len(cmd.data)+1)
	p = append(p, StartByte, dst, src, byte(len(cmd.data)))
	p = append(p, cmd.data...)
	return append(p, Checksum(p))
}

// BuildReadBlock requests byteCount consecutive bytes starting at addr.
func BuildReadBlock(addr Address, byteCount int) (Command, error) {
	if !addr.Valid() {
		return Command{}, fmt.Errorf("%w: address %s exceeds 24 bits", ErrInvalidArgument, addr)
	}
	if byteCount < 1 || byteCount > 256 {
		return Command{}, fmt.Errorf("%w: block length %d not in 1..256", ErrInvalidArgument, byteCount)
	}
	data := []byte{byte(OpReadBlock), 0x00}
	data = addr.appendTo(data)
	data = append(data, byte(byteCount-1))
	return Command{op: OpReadBlock, data: data}, nil
}

// BuildReadSingleAddresses requests one byte per address. The reply carries the
// values in request order, so the order fixes each value's offset. The pad
// byte 0x01 puts the ECU in continuous response mode.
func BuildReadSingleAddresses(addrs []Address) (Command, error) {
	if len(addrs) == 0 {
		return Command{}, fmt.Errorf("%w: no addresses", ErrInvalidArgument)
	}
	if len(addrs) > MaxReadAddresses {
		return Command{}, fmt.Errorf("%w: %d addresses exceeds %d", ErrInvalidArgument, len(addrs), MaxReadAddresses)
	}
	data := make([]byte, 0, 2+3*len(addrs))
	data = append(data, byte(OpReadAddresses), 0x01)
	for _, a := range addrs {
		if !a.Valid() {
			return Command{}, fmt.Errorf("%w: address %s exceeds 24 bits", ErrInvalidArgument, a)
		}
		data = a.appendTo(data)
	}
	return Command{op: OpReadAddresses, data: data}, nil
}

// BuildWriteBlock writes values to consecutive bytes starting at addr.
func BuildWriteBlock(addr Address, values []byte) (Command, error) {
	if !addr.Valid() {
		return Command{}, fmt.Errorf("%w: address %s exceeds 24 bits", ErrInvalidArgument, addr)
	}
	if len(values) == 0 {
		return Command{}, fmt.Errorf("%w: no values to write", ErrInvalidArgument)
	}
	if 4+len(values) > maxDataLength {
		return Command{}, fmt.Errorf("%w: %d values exceeds %d", ErrInvalidArgument, len(values), maxDataLength-4)
	}
	data := make([]byte, 0, 4+len(values))
	data = append(data, byte(OpWriteBlock))
	data = addr.appendTo(data)
	data = append(data, values...)
	return Command{op: OpWriteBlock, data: data}, nil
}

// BuildWriteSingleAddress writes one byte at addr.
func BuildWriteSingleAddress(addr Address, value byte) (Command, error) {
	if !addr.Valid() {
		return Command{}, fmt.Errorf("%w: address %s exceeds 24 bits", ErrInvalidArgument, addr)
	}
	data := []byte{byte(OpWriteSingleAddress)}
	data = addr.appendTo(data)
	data = append(data, value)
	return Command{op: OpWriteSingleAddress, data: data}, nil
}

// BuildInit returns the ECU init request.
func BuildInit() Command {
	return Command{op: OpInit, data: []byte{byte(OpInit)}}
}

// ParseResponse strips the echoed request from raw. The line echoes exactly
// what was sent, so the caller passes the length of its own packet.
func ParseResponse(raw []byte, requestLength int) ([]byte, error) {
	if len(raw) < requestLength {
		return nil, fmt.Errorf("%w: got %d bytes, echo alone is %d", ErrTruncatedFrame, len(raw), requestLength)
	}
	return raw[requestLength:], nil
}
