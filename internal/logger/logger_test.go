package logger

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ssm2-logger/internal/ecu"
)

func reading(ts time.Time, rpm float64) ecu.Reading {
	return ecu.Reading{EngineSpeed: rpm, BatteryVoltage: 14.1, Timestamp: ts}
}

func TestRecordThrottlesByInterval(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := New(Config{Enabled: true, IntervalMs: 1000}, log)

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, r.Record(reading(t0, 800)))
	assert.False(t, r.Record(reading(t0.Add(500*time.Millisecond), 810)))
	assert.True(t, r.Record(reading(t0.Add(time.Second), 820)))

	require.Len(t, hook.AllEntries(), 2)
	last := hook.LastEntry()
	assert.Equal(t, logrus.InfoLevel, last.Level)
	assert.Equal(t, "reading", last.Message)
	assert.Equal(t, 820.0, last.Data["rpm"])
	assert.Equal(t, "recorder", last.Data["component"])
	assert.Equal(t, 2, r.Rows())
}

func TestRecordDisabled(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := New(Config{Enabled: false}, log)

	assert.False(t, r.Record(reading(time.Now(), 800)))
	assert.Empty(t, hook.AllEntries())

	r.SetEnabled(true)
	assert.True(t, r.IsEnabled())
	assert.True(t, r.Record(reading(time.Now(), 800)))
}

func TestDefaultInterval(t *testing.T) {
	r := New(Config{Enabled: true}, nil)
	assert.Equal(t, DefaultInterval, r.interval)
}

func TestRunDrainsUntilClosed(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := New(Config{Enabled: true, IntervalMs: 1}, log)

	ch := make(chan ecu.Reading, 3)
	t0 := time.Now()
	for i := 0; i < 3; i++ {
		ch <- reading(t0.Add(time.Duration(i)*time.Second), float64(800+i))
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
	assert.Len(t, hook.AllEntries(), 3)
}
