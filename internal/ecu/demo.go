package ecu

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

// SimulatedECU is an ssm2.Transport that behaves like an engine ECU on a
// K-line cable: it echoes every request, answers init with an identity,
// serves the standard parameter addresses from a simulated drive cycle and
// keeps streaming after a continuous read-addresses request.
type SimulatedECU struct {
	mu sync.Mutex
	rx []byte

	stream    []ssm2.Address // armed continuous addresses
	nextFrame time.Time
	memory    map[ssm2.Address]byte
	wakeups   int // init requests still ignored
	closed    bool

	t     float64 // virtual time accumulator
	rng   *rand.Rand
	state simState

	// FrameInterval paces continuous frames. Zero streams as fast as read.
	FrameInterval time.Duration
}

type simState struct {
	rpm      float64
	speed    float64
	coolant  float64
	afr      float64
	battery  float64
	mapPSI   float64
	baroPSI  float64
	airflow  float64
	throttle float64
}

// NewSimulatedECU returns a simulated ECU that answers the first init.
func NewSimulatedECU() *SimulatedECU {
	e := &SimulatedECU{
		memory:        make(map[ssm2.Address]byte),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		FrameInterval: 25 * time.Millisecond,
	}
	e.advance()
	return e
}

// SleepFor makes the ECU ignore the next n init requests, as a cold ECU
// does while it wakes up.
func (e *SimulatedECU) SleepFor(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wakeups = n
}

// Memory returns the byte last written to addr.
func (e *SimulatedECU) Memory(addr ssm2.Address) (byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.memory[addr]
	return v, ok
}

func (e *SimulatedECU) Write(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("ecu: simulated port closed")
	}

	// Half-duplex line: the tool always hears itself.
	e.rx = append(e.rx, p...)

	_, _, cmd, err := ssm2.DecodeRequest(p)
	if err != nil {
		return nil // a real ECU ignores garbage
	}
	// Any new request ends continuous mode.
	e.stream = nil

	data := cmd.Data()
	if len(data) < minRequestLength[cmd.Opcode()] {
		return nil
	}
	switch cmd.Opcode() {
	case ssm2.OpInit:
		if e.wakeups > 0 {
			e.wakeups--
			return nil
		}
		e.reply(ssm2.OpInit, simIdentity)
	case ssm2.OpReadAddresses:
		addrs, err := cmd.Addresses()
		if err != nil {
			return nil
		}
		if cmd.Continuous() {
			e.stream = addrs
			e.nextFrame = time.Now()
			return nil
		}
		e.reply(ssm2.OpReadAddresses, e.values(addrs))
	case ssm2.OpReadBlock:
		start := addressAt(data, 2)
		count := min(int(data[5])+1, maxBlockReply)
		addrs := make([]ssm2.Address, count)
		for i := range addrs {
			addrs[i] = start + ssm2.Address(i)
		}
		e.reply(ssm2.OpReadBlock, e.values(addrs))
	case ssm2.OpWriteSingleAddress:
		addr := addressAt(data, 1)
		e.memory[addr] = data[4]
		e.reply(ssm2.OpWriteSingleAddress, data[4:5])
	case ssm2.OpWriteBlock:
		addr := addressAt(data, 1)
		values := data[4:]
		for i, v := range values {
			e.memory[addr+ssm2.Address(i)] = v
		}
		e.reply(ssm2.OpWriteBlock, values)
	}
	return nil
}

// minRequestLength is the shortest data field, opcode included, each
// request needs before the simulator acts on it.
var minRequestLength = map[ssm2.Opcode]int{
	ssm2.OpReadBlock:          6,
	ssm2.OpWriteSingleAddress: 5,
	ssm2.OpWriteBlock:         5,
}

// ReadExactlyOrTimeout tops up the receive buffer with continuous frames
// when a stream is armed, paced by FrameInterval.
func (e *SimulatedECU) ReadExactlyOrTimeout(n int, timeout time.Duration) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("ecu: simulated port closed")
	}

	deadline := time.Now().Add(timeout)
	for len(e.rx) < n && e.stream != nil {
		if wait := time.Until(e.nextFrame); wait > 0 {
			if e.nextFrame.After(deadline) {
				break
			}
			time.Sleep(wait)
		}
		e.advance()
		e.reply(ssm2.OpReadAddresses, e.values(e.stream))
		e.nextFrame = e.nextFrame.Add(e.FrameInterval)
	}

	if len(e.rx) >= n {
		out := append([]byte(nil), e.rx[:n]...)
		e.rx = e.rx[n:]
		return out, nil
	}
	out := e.rx
	e.rx = nil
	return out, fmt.Errorf("%w: got %d bytes, want %d", ssm2.ErrTimeout, len(out), n)
}

func (e *SimulatedECU) FlushInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rx = nil
	return nil
}

func (e *SimulatedECU) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stream = nil
	return nil
}

func (e *SimulatedECU) reply(op ssm2.Opcode, payload []byte) {
	f := ssm2.EncodeFrame(ssm2.Frame{
		Destination: ssm2.DefaultSource,
		Source:      ssm2.DefaultDestination,
		Command:     op.Reply(),
		Payload:     payload,
	})
	e.rx = append(e.rx, f...)
}

func addressAt(b []byte, off int) ssm2.Address {
	return ssm2.Address(b[off])<<16 | ssm2.Address(b[off+1])<<8 | ssm2.Address(b[off+2])
}

// maxBlockReply keeps a block reply within the one-byte length field.
const maxBlockReply = 254

var simIdentity = []byte{
	0xA2, 0x10, 0x11, // SSM ID
	0x3D, 0x12, 0x59, 0x40, 0x06, // ROM ID
	0xF3, 0xFA, 0xC9, 0x8E, 0x00, 0x00, 0x00, 0x00, // capabilities
}

// advance steps the simulated drive cycle by one frame (~20 Hz tick).
func (e *SimulatedECU) advance() {
	e.t += 0.05
	s := &e.state

	// Simulate RPM cycling between idle and revving
	s.throttle = math.Pow(math.Sin(e.t*0.3), 2)
	s.rpm = 850 + 5000*s.throttle + e.rng.Float64()*50

	s.speed = math.Round(s.throttle * 160)
	s.coolant = 85 + e.rng.Float64()*5
	s.battery = 13.8 + e.rng.Float64()*0.4

	s.afr = 14.7 - s.throttle*3 + e.rng.Float64()*0.4
	s.baroPSI = 14.7
	s.mapPSI = 4 + s.throttle*24 // vacuum at idle, boost when revving

	// Speed-density airflow estimate, g/s
	s.airflow = s.rpm / 60 / 2 * 2.0 * (s.mapPSI / s.baroPSI) * 1.2 * 0.85
}

// values encodes the current simulated state as the ECU would report it.
func (e *SimulatedECU) values(addrs []ssm2.Address) []byte {
	s := e.state
	maf := clampU16(s.airflow * 100)
	rpm := clampU16(s.rpm * 4)

	out := make([]byte, len(addrs))
	for i, a := range addrs {
		if v, ok := e.memory[a]; ok {
			out[i] = v
			continue
		}
		switch a {
		case AddrBatteryVoltage:
			out[i] = clampU8(s.battery / 0.08)
		case AddrCoolantTemp:
			out[i] = clampU8(s.coolant + 40)
		case AddrAirFuelRatio:
			out[i] = clampU8(s.afr / 14.7 * 128)
		case AddrManifoldPressure:
			out[i] = clampU8(s.mapPSI * 255 / 37)
		case AddrAtmosphericPressure:
			out[i] = clampU8(s.baroPSI * 255 / 37)
		case AddrVehicleSpeed:
			out[i] = clampU8(s.speed)
		case AddrMassAirflowHigh:
			out[i] = byte(maf >> 8)
		case AddrMassAirflowLow:
			out[i] = byte(maf)
		case AddrEngineSpeedHigh:
			out[i] = byte(rpm >> 8)
		case AddrEngineSpeedLow:
			out[i] = byte(rpm)
		}
	}
	return out
}

func clampU8(v float64) byte {
	return byte(math.Max(0, math.Min(255, math.Round(v))))
}

func clampU16(v float64) uint16 {
	return uint16(math.Max(0, math.Min(65535, math.Round(v))))
}
