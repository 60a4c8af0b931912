package ssm2_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
	"github.com/shaunagostinho/ssm2-logger/internal/ssm2/ssm2test"
)

// mockTransport is a testify mock of ssm2.Transport.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Write(p []byte) error {
	return m.Called(p).Error(0)
}

func (m *mockTransport) ReadExactlyOrTimeout(n int, timeout time.Duration) ([]byte, error) {
	args := m.Called(n, timeout)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

func fastRetry(max uint) ssm2.HandshakeOptions {
	return ssm2.HandshakeOptions{RetryDelay: time.Millisecond, MaxAttempts: max, Timeout: 10 * time.Millisecond}
}

func TestInitializeSucceedsFirstAttempt(t *testing.T) {
	tr := ssm2test.New()
	tr.QueueReply(ssm2test.InitReply())
	s := ssm2.NewSession(tr)

	var attempts []uint
	opts := fastRetry(3)
	opts.OnAttempt = func(n uint, err error) {
		attempts = append(attempts, n)
		assert.NoError(t, err)
	}
	id, err := ssm2.Initialize(context.Background(), s, opts)
	require.NoError(t, err)

	assert.Equal(t, [3]byte{0xA2, 0x10, 0x11}, id.SSMID)
	assert.Equal(t, [5]byte{0x3D, 0x12, 0x59, 0x40, 0x06}, id.ROMID)
	assert.Equal(t, "ssm=a21011 rom=3d12594006", id.String())
	assert.True(t, id.Supports(0, 7))
	assert.False(t, id.Supports(0, 2))
	assert.False(t, id.Supports(99, 0))

	assert.Equal(t, []uint{1}, attempts)
	assert.Equal(t, ssm2.StateReady, s.State())
	assert.Equal(t, ssm2.DefaultSteadyTimeout, s.Timeout())
	assert.Equal(t, 1, tr.Flushes())
	assert.Equal(t, []byte{0x80, 0x10, 0xF0, 0x01, 0xBF, 0x40}, tr.Writes()[0])
}

func TestInitializeSucceedsOnNthAttempt(t *testing.T) {
	for _, n := range []int{2, 4, 7} {
		tr := ssm2test.New()
		for i := 1; i < n; i++ {
			tr.QueueReply(nil) // ECU still asleep
		}
		tr.QueueReply(ssm2test.InitReply())
		s := ssm2.NewSession(tr)

		opts := fastRetry(0)
		opts.SteadyTimeout = 50 * time.Millisecond
		_, err := ssm2.Initialize(context.Background(), s, opts)
		require.NoError(t, err)
		assert.Len(t, tr.Writes(), n, "exchanges for success on attempt %d", n)
		assert.Equal(t, 50*time.Millisecond, s.Timeout())
	}
}

func TestInitializeExhaustsAttempts(t *testing.T) {
	tr := ssm2test.New()
	s := ssm2.NewSession(tr)

	var failures int
	opts := fastRetry(5)
	opts.OnAttempt = func(_ uint, err error) {
		if assert.Error(t, err) {
			failures++
		}
	}
	_, err := ssm2.Initialize(context.Background(), s, opts)
	assert.ErrorIs(t, err, ssm2.ErrHandshakeFailed)
	assert.ErrorIs(t, err, ssm2.ErrNoResponse)
	assert.Len(t, tr.Writes(), 5)
	assert.Equal(t, 5, failures)
	assert.Equal(t, ssm2.StateUninitialized, s.State())
	assert.Equal(t, ssm2.DefaultTimeout, s.Timeout())
}

func TestInitializeWarnsOnlyBeforeRetries(t *testing.T) {
	for _, tc := range []struct {
		name     string
		attempts uint
		warnings int
	}{
		{"single attempt", 1, 0},
		{"three attempts", 3, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			s := ssm2.NewSession(ssm2test.New(), ssm2.WithLogger(log))

			_, err := ssm2.Initialize(context.Background(), s, fastRetry(tc.attempts))
			require.ErrorIs(t, err, ssm2.ErrHandshakeFailed)

			var warnings []uint
			for _, e := range hook.AllEntries() {
				if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "retrying") {
					warnings = append(warnings, e.Data["attempt"].(uint))
				}
			}
			assert.Len(t, warnings, tc.warnings)
			for i, n := range warnings {
				assert.Equal(t, uint(i+1), n)
			}
		})
	}
}

func TestInitializeRetriesBadReplies(t *testing.T) {
	corrupt := ssm2test.InitReply()
	corrupt[6] ^= 0x01
	tr := ssm2test.New()
	tr.QueueReply(
		corrupt,                                  // checksum mismatch
		ssm2test.Frame(0xFF, 0x01, 0x02),         // too short for an identity
		ssm2test.Frame(0xE8, make([]byte, 8)...), // wrong opcode
		ssm2test.InitReply(),
	)
	s := ssm2.NewSession(tr)

	_, err := ssm2.Initialize(context.Background(), s, fastRetry(4))
	require.NoError(t, err)
	assert.Len(t, tr.Writes(), 4)
}

func TestInitializeRetriesTransportFailure(t *testing.T) {
	m := new(mockTransport)
	initPkt := []byte(ssm2.BuildPacket(0x10, 0xF0, ssm2.BuildInit()))
	reply := append(append([]byte(nil), initPkt...), ssm2test.InitReply()...)

	m.On("Write", initPkt).Return(errors.New("device not configured")).Once()
	m.On("Write", initPkt).Return(nil).Once()
	m.On("ReadExactlyOrTimeout", mock.AnythingOfType("int"), 10*time.Millisecond).
		Return(reply, ssm2.ErrTimeout).Once()

	s := ssm2.NewSession(m)
	_, err := ssm2.Initialize(context.Background(), s, fastRetry(3))
	require.NoError(t, err)
	m.AssertExpectations(t)
	assert.Equal(t, ssm2.StateReady, s.State())
}

func TestInitializeStopsOnContextCancel(t *testing.T) {
	tr := ssm2test.New()
	s := ssm2.NewSession(tr)

	ctx, cancel := context.WithCancel(context.Background())
	opts := fastRetry(0)
	opts.RetryDelay = 5 * time.Millisecond
	opts.OnAttempt = func(n uint, _ error) {
		if n == 3 {
			cancel()
		}
	}
	_, err := ssm2.Initialize(ctx, s, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ssm2.ErrHandshakeFailed)
	assert.Len(t, tr.Writes(), 3)
	assert.Equal(t, ssm2.StateUninitialized, s.State())
}

func TestInitializeOnFaultedSession(t *testing.T) {
	s := ssm2.NewSession(ssm2test.New())
	require.NoError(t, s.Close())
	_, err := ssm2.Initialize(context.Background(), s, fastRetry(1))
	assert.ErrorIs(t, err, ssm2.ErrFaulted)
}

func TestParseIdentityCapabilities(t *testing.T) {
	id, err := ssm2.ParseIdentity(ssm2test.InitReply())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF3, 0xFA, 0xC9, 0x8E, 0x00}, id.Capabilities)
}
