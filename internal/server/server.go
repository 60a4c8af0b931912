package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/ssm2-logger/internal/ecu"
	"github.com/shaunagostinho/ssm2-logger/internal/logger"
	"github.com/shaunagostinho/ssm2-logger/internal/monitor"
	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

// TransportOpener opens a fresh transport. It is called on start and again
// after every fault.
type TransportOpener func() (ssm2.Transport, error)

// Server owns the ECU session: it connects, handshakes, polls and fans the
// readings out to subscribers. It also serves the ops HTTP endpoints.
type Server struct {
	cfg      *Config
	open     TransportOpener
	session  *ssm2.Session
	metrics  *monitor.Metrics
	recorder *logger.Recorder
	log      logrus.FieldLogger

	reconnectDelay time.Duration
	maxReconnect   time.Duration

	subs     map[*subscriber]struct{}
	subsMu   sync.RWMutex
	subsDone bool

	statusMu    sync.RWMutex
	identity    *ssm2.ECUIdentity
	lastReading time.Time

	readings   atomic.Uint64
	pollErrors atomic.Uint64
	handshakes atomic.Uint64
	reconnects atomic.Uint64
}

type subscriber struct {
	ch chan ecu.Reading
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics replaces the server's metrics.
func WithMetrics(m *monitor.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithReconnectBackoff sets the first and the largest delay between
// attempts to open the transport.
func WithReconnectBackoff(first, limit time.Duration) Option {
	return func(s *Server) {
		s.reconnectDelay = first
		s.maxReconnect = limit
	}
}

// New creates a new Server.
func New(cfg *Config, open TransportOpener, opts ...Option) *Server {
	s := &Server{
		cfg:            cfg,
		open:           open,
		log:            logrus.StandardLogger(),
		reconnectDelay: time.Second,
		maxReconnect:   60 * time.Second,
		subs:           make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = monitor.NewMetrics()
	}
	if cfg.Logging.Enabled {
		s.recorder = logger.New(logger.Config{
			Enabled:    true,
			IntervalMs: cfg.Logging.Interval,
		}, s.log)
	}
	s.session = ssm2.NewSession(nil,
		ssm2.WithDestination(cfg.ECU.Destination),
		ssm2.WithSource(cfg.ECU.Source),
		ssm2.WithTimeout(ms(cfg.ECU.InitTimeoutMs)),
		ssm2.WithLogger(s.log),
	)
	s.log = s.log.WithField("component", "server")
	return s
}

// Session exposes the managed session, mainly for status reporting.
func (s *Server) Session() *ssm2.Session { return s.session }

// Metrics returns the server's metrics.
func (s *Server) Metrics() *monitor.Metrics { return s.metrics }

// Run polls the ECU and serves HTTP until ctx is done. Subscriber channels
// are closed before it returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.recorder != nil {
		ch, unsubscribe := s.Subscribe(64)
		defer unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.recorder.Run(ctx, ch)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pollLoop(ctx)
	}()

	var err error
	if addr := s.cfg.Server.ListenAddr; addr != "" {
		err = s.serveHTTP(ctx, addr)
	} else {
		<-ctx.Done()
	}

	cancel()
	wg.Wait()
	s.closeSubscribers()
	return err
}

func (s *Server) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the ops endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Subscribe returns a channel receiving every reading from now on and a
// function that ends the subscription. A full buffer drops readings for
// this subscriber only.
func (s *Server) Subscribe(buffer int) (<-chan ecu.Reading, func()) {
	sub := &subscriber{ch: make(chan ecu.Reading, buffer)}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subsDone {
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[sub] = struct{}{}

	return sub.ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

func (s *Server) publish(r ecu.Reading) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for sub := range s.subs {
		select {
		case sub.ch <- r:
		default:
			// Subscriber too slow, skip
			s.metrics.Dropped.Inc()
		}
	}
}

func (s *Server) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.subsDone = true
}

// pollLoop reopens the transport after every fault until ctx is done.
func (s *Server) pollLoop(ctx context.Context) {
	defer func() {
		s.session.Close()
		s.metrics.SetState(s.session.State())
	}()

	for first := true; ctx.Err() == nil; first = false {
		if err := s.connect(ctx); err != nil {
			return
		}
		if !first {
			s.reconnects.Add(1)
			s.metrics.Reconnects.Inc()
		}
		s.runSession(ctx)
	}
}

// connect opens a transport with exponential backoff and hands it to the
// session. Only ctx ends the retries.
func (s *Server) connect(ctx context.Context) error {
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			t, err := s.open()
			if err != nil {
				return err
			}
			if err := s.session.Reconnect(t); err != nil {
				s.log.WithError(err).Debug("closing previous transport")
			}
			s.metrics.SetState(s.session.State())
			s.log.WithField("attempt", attempt).Info("transport open")
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(s.reconnectDelay),
		retry.MaxDelay(s.maxReconnect),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.WithError(err).WithField("attempt", n+1).Warn("open transport failed")
		}),
	)
}

// runSession handshakes and polls on the current transport. It returns when
// the session faults, the handshake gives up, or ctx is done.
func (s *Server) runSession(ctx context.Context) {
	hs := s.cfg.HandshakeOptions()
	hs.OnAttempt = func(uint, error) {
		s.metrics.HandshakeAttempts.Inc()
		s.metrics.SetState(ssm2.StateHandshaking)
	}
	maxFailures := s.cfg.ECU.MaxPollFailures
	pollTimeout := ms(s.cfg.ECU.PollTimeoutMs)

	for ctx.Err() == nil {
		id, err := ssm2.Initialize(ctx, s.session, hs)
		s.metrics.SetState(s.session.State())
		if err != nil {
			if ctx.Err() == nil {
				s.metrics.Handshakes.WithLabelValues("failed").Inc()
				s.log.WithError(err).Error("handshake failed, reopening transport")
			}
			return
		}
		s.metrics.Handshakes.WithLabelValues("ok").Inc()
		s.handshakes.Add(1)
		s.statusMu.Lock()
		s.identity = id
		s.statusMu.Unlock()

		h, err := ecu.StartPolling(s.session, s.cfg.Layout)
		if err != nil {
			s.pollFailed(err)
			if s.session.State() == ssm2.StateFaulted {
				return
			}
			continue
		}
		s.log.WithField("frame_len", h.FrameLength()).Info("polling")

		failures := 0
		start := time.Now()
		for r, err := range h.Readings(pollTimeout) {
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				s.pollFailed(err)
				if failures++; failures >= maxFailures {
					s.log.WithField("failures", failures).Warn("too many poll failures, re-initializing")
					break
				}
				start = time.Now()
				continue
			}
			failures = 0
			s.readings.Add(1)
			s.metrics.ObserveReading(r, time.Since(start))
			s.statusMu.Lock()
			s.lastReading = r.Timestamp
			s.statusMu.Unlock()
			s.publish(r)
			start = time.Now()
		}

		if s.session.State() == ssm2.StateFaulted {
			s.metrics.SetState(ssm2.StateFaulted)
			s.log.Warn("session faulted, reopening transport")
			return
		}
	}
}

func (s *Server) pollFailed(err error) {
	s.pollErrors.Add(1)
	s.metrics.ObservePollError(err)
	s.log.WithError(err).Debug("poll failed")
}

// Status is the /api/status document.
type Status struct {
	State       string    `json:"state"`
	SSMID       string    `json:"ssmId,omitempty"`
	ROMID       string    `json:"romId,omitempty"`
	Readings    uint64    `json:"readings"`
	PollErrors  uint64    `json:"pollErrors"`
	Handshakes  uint64    `json:"handshakes"`
	Reconnects  uint64    `json:"reconnects"`
	LastReading time.Time `json:"lastReading"`
	Subscribers int       `json:"subscribers"`
}

// Status snapshots the link state and counters.
func (s *Server) Status() Status {
	st := Status{
		State:      s.session.State().String(),
		Readings:   s.readings.Load(),
		PollErrors: s.pollErrors.Load(),
		Handshakes: s.handshakes.Load(),
		Reconnects: s.reconnects.Load(),
	}

	s.statusMu.RLock()
	if s.identity != nil {
		st.SSMID = hex.EncodeToString(s.identity.SSMID[:])
		st.ROMID = hex.EncodeToString(s.identity.ROMID[:])
	}
	st.LastReading = s.lastReading
	s.statusMu.RUnlock()

	s.subsMu.RLock()
	st.Subscribers = len(s.subs)
	s.subsMu.RUnlock()
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.session.State() != ssm2.StateReady {
		http.Error(w, s.session.State().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
