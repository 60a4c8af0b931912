// Package monitor exposes the logger's link and reading metrics to Prometheus.
package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/ssm2-logger/internal/ecu"
	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

const namespace = "ssm2"

// Metrics owns its registry so several instances can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Link
	SessionState      prometheus.Gauge
	HandshakeAttempts prometheus.Counter
	Handshakes        *prometheus.CounterVec
	Reconnects        prometheus.Counter

	// Polling
	Readings     prometheus.Counter
	PollErrors   *prometheus.CounterVec
	PollDuration prometheus.Histogram
	Dropped      prometheus.Counter

	// Last decoded values
	Values *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Session state: 0 uninitialized, 1 handshaking, 2 ready, 3 faulted.",
		}),
		HandshakeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_attempts_total",
			Help:      "Init requests sent to the ECU.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transports reopened after a fault.",
		}),
		Readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Decoded poll cycles.",
		}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed poll cycles by error kind.",
		}, []string{"kind"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time to receive and decode one poll cycle.",
			Buckets:   []float64{.005, .01, .025, .05, .075, .1, .25, .5, 1},
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_readings_total",
			Help:      "Readings dropped because a subscriber buffer was full.",
		}),
		Values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading",
			Help:      "Last decoded value per quantity.",
		}, []string{"quantity"}),
	}

	m.Registry.MustRegister(
		m.SessionState,
		m.HandshakeAttempts,
		m.Handshakes,
		m.Reconnects,
		m.Readings,
		m.PollErrors,
		m.PollDuration,
		m.Dropped,
		m.Values,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) SetState(st ssm2.State) { m.SessionState.Set(float64(st)) }

// ObserveReading counts one successful cycle and records its values.
func (m *Metrics) ObserveReading(r ecu.Reading, took time.Duration) {
	m.Readings.Inc()
	m.PollDuration.Observe(took.Seconds())

	m.Values.WithLabelValues("battery_voltage").Set(r.BatteryVoltage)
	m.Values.WithLabelValues("coolant_temp").Set(r.CoolantTemp)
	m.Values.WithLabelValues("air_fuel_ratio").Set(r.AirFuelRatio)
	m.Values.WithLabelValues("manifold_pressure").Set(r.ManifoldPressure)
	m.Values.WithLabelValues("atmospheric_pressure").Set(r.AtmosphericPressure)
	m.Values.WithLabelValues("boost_pressure").Set(r.BoostPressure)
	m.Values.WithLabelValues("vehicle_speed").Set(r.VehicleSpeed)
	m.Values.WithLabelValues("engine_speed").Set(r.EngineSpeed)
	m.Values.WithLabelValues("mass_airflow").Set(r.MassAirflow)
	m.Values.WithLabelValues("fuel_consumption").Set(r.FuelConsumption)
	m.Values.WithLabelValues("engine_load").Set(r.EngineLoad)
}

func (m *Metrics) ObservePollError(err error) {
	m.PollErrors.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind buckets link errors into a small label set.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ssm2.ErrNoResponse):
		return "no_response"
	case errors.Is(err, ssm2.ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, ssm2.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ssm2.ErrFaulted):
		return "faulted"
	case errors.Is(err, ssm2.ErrHandshakeFailed):
		return "handshake"
	default:
		return "other"
	}
}
