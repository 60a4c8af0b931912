package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ssm2-logger/internal/ecu"
	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
	"github.com/shaunagostinho/ssm2-logger/internal/ssm2/ssm2test"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ECU.Type = "demo"
	cfg.ECU.RetryDelayMs = 1
	cfg.ECU.InitTimeoutMs = 20
	cfg.ECU.PollTimeoutMs = 20
	cfg.ECU.MaxPollFailures = 3
	cfg.Logging.Enabled = false
	cfg.Server.ListenAddr = ""
	return cfg
}

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

// simOpener hands out a fresh simulated ECU per call.
type simOpener struct {
	mu   sync.Mutex
	sims []*ecu.SimulatedECU
	fail int // calls to fail before succeeding
}

func (o *simOpener) open() (ssm2.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail > 0 {
		o.fail--
		return nil, errors.New("no such port")
	}
	sim := ecu.NewSimulatedECU()
	sim.FrameInterval = time.Millisecond
	o.sims = append(o.sims, sim)
	return sim, nil
}

func (o *simOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sims)
}

func (o *simOpener) last() *ecu.SimulatedECU {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sims[len(o.sims)-1]
}

func startServer(t *testing.T, s *Server) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func receive(t *testing.T, ch <-chan ecu.Reading) ecu.Reading {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reading")
	}
	return ecu.Reading{}
}

func TestServerPublishesReadings(t *testing.T) {
	o := &simOpener{}
	s := New(testConfig(), o.open, WithLogger(quietLogger()))
	ch, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	cancel, done := startServer(t, s)
	for i := 0; i < 3; i++ {
		r := receive(t, ch)
		assert.Greater(t, r.EngineSpeed, 0.0)
		assert.False(t, r.Timestamp.IsZero())
	}

	st := s.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, "a21011", st.SSMID)
	assert.Equal(t, "3d12594006", st.ROMID)
	assert.GreaterOrEqual(t, st.Readings, uint64(3))
	assert.Equal(t, uint64(1), st.Handshakes)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	// Drain: the channel is closed once Run returns.
	for range ch {
	}
	assert.Equal(t, ssm2.StateFaulted, s.Session().State())
}

func TestServerReopensTransportAfterFault(t *testing.T) {
	o := &simOpener{}
	s := New(testConfig(), o.open,
		WithLogger(quietLogger()),
		WithReconnectBackoff(time.Millisecond, 5*time.Millisecond),
	)
	ch, unsubscribe := s.Subscribe(16)
	defer unsubscribe()
	startServer(t, s)

	receive(t, ch)
	require.NoError(t, o.last().Close())

	assert.Eventually(t, func() bool { return o.opened() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Status().Handshakes >= 2 }, 2*time.Second, 5*time.Millisecond)
	receive(t, ch)
	assert.GreaterOrEqual(t, s.Status().Reconnects, uint64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.Metrics().Reconnects), 1.0)
}

func TestServerRetriesTransportOpen(t *testing.T) {
	o := &simOpener{fail: 2}
	s := New(testConfig(), o.open,
		WithLogger(quietLogger()),
		WithReconnectBackoff(time.Millisecond, 5*time.Millisecond),
	)
	ch, unsubscribe := s.Subscribe(16)
	defer unsubscribe()
	startServer(t, s)

	receive(t, ch)
	assert.Equal(t, 1, o.opened())
}

func TestServerReinitializesAfterPollFailures(t *testing.T) {
	tr := ssm2test.New()
	tr.Respond = func(req []byte) []byte {
		if req[4] == byte(ssm2.OpInit) {
			return ssm2test.InitReply()
		}
		return nil // poll armed, but the ECU never streams
	}
	var opens atomic.Int32
	open := func() (ssm2.Transport, error) {
		opens.Add(1)
		return tr, nil
	}

	s := New(testConfig(), open, WithLogger(quietLogger()))
	startServer(t, s)

	assert.Eventually(t, func() bool { return s.Status().Handshakes >= 2 }, 2*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.GreaterOrEqual(t, st.PollErrors, uint64(3))
	assert.Equal(t, uint64(0), st.Readings)
	assert.Equal(t, int32(1), opens.Load(), "poll failures alone do not reopen the transport")
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.Metrics().PollErrors.WithLabelValues("no_response")), 3.0)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	s := New(testConfig(), nil, WithLogger(quietLogger()))
	slow, unsubSlow := s.Subscribe(1)
	defer unsubSlow()
	fast, unsubFast := s.Subscribe(8)
	defer unsubFast()

	for i := 0; i < 3; i++ {
		s.publish(ecu.Reading{EngineSpeed: float64(i)})
	}

	assert.Len(t, slow, 1)
	assert.Len(t, fast, 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.Metrics().Dropped))
	assert.Equal(t, 0.0, (<-slow).EngineSpeed)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New(testConfig(), nil, WithLogger(quietLogger()))
	ch, unsubscribe := s.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, s.Status().Subscribers)
}

func TestSubscribeAfterShutdown(t *testing.T) {
	s := New(testConfig(), nil, WithLogger(quietLogger()))
	s.closeSubscribers()

	ch, _ := s.Subscribe(1)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRecorderSubscribesWhenEnabled(t *testing.T) {
	log, hook := test.NewNullLogger()
	cfg := testConfig()
	cfg.Logging.Enabled = true
	cfg.Logging.Interval = 1

	o := &simOpener{}
	s := New(cfg, o.open, WithLogger(log))
	startServer(t, s)

	assert.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "reading" && e.Data["component"] == "recorder" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerEndpoints(t *testing.T) {
	s := New(testConfig(), nil, WithLogger(quietLogger()))
	h := s.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "uninitialized")

	rec = get("/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "uninitialized", st.State)
	assert.Empty(t, st.ROMID)

	rec = get("/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Contains(t, cfg, "ecu")
	assert.Contains(t, cfg, "layout")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/config", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ssm2_session_state")
}

func TestHealthzReadyWhileServing(t *testing.T) {
	o := &simOpener{}
	s := New(testConfig(), o.open, WithLogger(quietLogger()))
	ch, unsubscribe := s.Subscribe(4)
	defer unsubscribe()
	startServer(t, s)
	receive(t, ch)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
