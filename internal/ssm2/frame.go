package ssm2

import "fmt"

// Frame is a decoded reply packet.
type Frame struct {
	Destination byte
	Source      byte
	Command     byte   // reply opcode, request opcode + 0x40
	Payload     []byte // data after the reply opcode
}

// FrameLength returns the total size of the frame starting at b[0] as
// declared by its length byte, or 0 when the header is incomplete.
func FrameLength(b []byte) int {
	if len(b) < HeaderSize {
		return 0
	}
	return HeaderSize + int(b[3]) + 1
}

// DecodeFrame validates the frame at the start of b and returns it together
// with the number of bytes it occupies. Trailing bytes are left to the caller.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < HeaderSize {
		return Frame{}, 0, fmt.Errorf("%w: %d byte header", ErrTruncatedFrame, len(b))
	}
	if b[0] != StartByte {
		return Frame{}, 0, fmt.Errorf("%w: start byte 0x%02X", ErrTruncatedFrame, b[0])
	}
	n := FrameLength(b)
	if len(b) < n {
		return Frame{}, 0, fmt.Errorf("%w: got %d of %d frame bytes", ErrTruncatedFrame, len(b), n)
	}
	if b[3] == 0 {
		return Frame{}, 0, fmt.Errorf("%w: empty data field", ErrTruncatedFrame)
	}
	if !VerifyChecksum(b[:n]) {
		return Frame{}, 0, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksumMismatch, b[n-1], Checksum(b[:n-1]))
	}
	data := b[HeaderSize : n-1]
	f := Frame{
		Destination: b[1],
		Source:      b[2],
		Command:     data[0],
		Payload:     append([]byte(nil), data[1:]...),
	}
	return f, n, nil
}

// EncodeFrame builds a reply frame. The simulated ECU uses it to answer
// requests; it is the mirror of DecodeFrame.
func EncodeFrame(f Frame) Packet {
	data := make([]byte, 0, 1+len(f.Payload))
	data = append(data, f.Command)
	data = append(data, f.Payload...)
	return BuildPacket(f.Destination, f.Source, Command{op: Opcode(f.Command), data: data})
}

// DecodeRequest parses a request packet written by a tool. It is the peer's
// view of BuildPacket.
func DecodeRequest(b []byte) (dst, src byte, cmd Command, err error) {
	f, n, err := DecodeFrame(b)
	if err != nil {
		return 0, 0, Command{}, err
	}
	data := append([]byte(nil), b[HeaderSize:n-1]...)
	return f.Destination, f.Source, Command{op: Opcode(f.Command), data: data}, nil
}

// Addresses returns the 3-byte addresses carried by a 0xA8 command.
func (c Command) Addresses() ([]Address, error) {
	if c.op != OpReadAddresses || len(c.data) < 2 || (len(c.data)-2)%3 != 0 {
		return nil, fmt.Errorf("%w: not a read-addresses command", ErrInvalidArgument)
	}
	body := c.data[2:]
	out := make([]Address, 0, len(body)/3)
	for i := 0; i+3 <= len(body); i += 3 {
		out = append(out, Address(body[i])<<16|Address(body[i+1])<<8|Address(body[i+2]))
	}
	return out, nil
}

// Continuous reports whether a 0xA8 command asked for continuous replies.
func (c Command) Continuous() bool {
	return c.op == OpReadAddresses && len(c.data) > 1 && c.data[1] == 0x01
}
