package ssm2

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Transport is a byte-oriented link to the ECU. The session owns it
// exclusively; nothing else may write to the same line.
type Transport interface {
	// Write sends p in full.
	Write(p []byte) error
	// ReadExactlyOrTimeout reads n bytes. When the timeout elapses first it
	// returns the bytes received so far and an error matching ErrTimeout.
	ReadExactlyOrTimeout(n int, timeout time.Duration) ([]byte, error)
	// Close releases the link.
	Close() error
}

// InputFlusher is implemented by transports that can discard bytes already
// received but not yet read.
type InputFlusher interface {
	FlushInput() error
}

// DefaultBaudRate is the SSM2 K-line speed.
const DefaultBaudRate = 4800

// serialPort is the subset of serial.Port the transport needs.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// SerialConfig holds connection settings for a serial SSM2 interface.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// SerialTransport implements Transport over a serial port (OBD K-line cable).
type SerialTransport struct {
	mu   sync.Mutex
	port serialPort
	path string
	log  logrus.FieldLogger
}

// OpenSerial opens the port at 8N1 and the configured baud rate.
func OpenSerial(cfg SerialConfig, log logrus.FieldLogger) (*SerialTransport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("ssm2: failed to open %s: %w", cfg.PortPath, err)
	}
	log.WithFields(logrus.Fields{"component": "serial", "port": cfg.PortPath, "baud": cfg.BaudRate}).Info("port opened")
	return newSerialTransport(port, cfg.PortPath, log), nil
}

func newSerialTransport(port serialPort, path string, log logrus.FieldLogger) *SerialTransport {
	return &SerialTransport{port: port, path: path, log: log.WithField("component", "serial")}
}

func (t *SerialTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return fmt.Errorf("ssm2: %s: port closed", t.path)
	}
	for len(p) > 0 {
		n, err := t.port.Write(p)
		if err != nil {
			return fmt.Errorf("ssm2: write %s: %w", t.path, err)
		}
		p = p[n:]
	}
	return nil
}

// ReadExactlyOrTimeout loops over short reads until n bytes arrived or the
// deadline passed. go.bug.st/serial returns (0, nil) when its own read
// timeout expires, so the per-read timeout is the time left.
func (t *SerialTransport) ReadExactlyOrTimeout(n int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, fmt.Errorf("ssm2: %s: port closed", t.path)
	}

	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < n {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		if err := t.port.SetReadTimeout(left); err != nil {
			return buf[:got], fmt.Errorf("ssm2: set read timeout: %w", err)
		}
		k, err := t.port.Read(buf[got:])
		if err != nil {
			return buf[:got], fmt.Errorf("ssm2: read %s after %d/%d bytes: %w", t.path, got, n, err)
		}
		if k == 0 {
			break
		}
		got += k
	}
	if got < n {
		return buf[:got], fmt.Errorf("%w: got %d bytes, want %d", ErrTimeout, got, n)
	}
	return buf, nil
}

// FlushInput discards unread input, e.g. boot noise before the handshake.
func (t *SerialTransport) FlushInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	return t.port.ResetInputBuffer()
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.log.WithField("port", t.path).Info("port closed")
	return err
}
