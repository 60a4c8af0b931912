// Package logger records decoded readings as structured log entries.
package logger

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/ssm2-logger/internal/ecu"
)

// Recorder writes at most one reading per interval to the log.
type Recorder struct {
	mu       sync.Mutex
	log      logrus.FieldLogger
	interval time.Duration
	enabled  bool

	lastTs time.Time
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	IntervalMs int  `yaml:"interval_ms" json:"intervalMs"`
}

// DefaultInterval applies when IntervalMs is unset.
const DefaultInterval = time.Second

// New creates a new Recorder.
func New(cfg Config, log logrus.FieldLogger) *Recorder {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{
		log:      log.WithField("component", "recorder"),
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Rows is the number of readings recorded so far.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Record logs rd if the interval has elapsed since the last recorded
// reading. Throttling follows the reading timestamps, not the wall clock.
func (r *Recorder) Record(rd ecu.Reading) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return false
	}
	if !r.lastTs.IsZero() && rd.Timestamp.Sub(r.lastTs) < r.interval {
		return false
	}
	r.lastTs = rd.Timestamp
	r.rows++

	r.log.WithFields(fields(rd)).Info("reading")
	return true
}

// Run records readings from ch until ctx is done or ch is closed.
func (r *Recorder) Run(ctx context.Context, ch <-chan ecu.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case rd, ok := <-ch:
			if !ok {
				return
			}
			r.Record(rd)
		}
	}
}

func fields(rd ecu.Reading) logrus.Fields {
	return logrus.Fields{
		"ts":          rd.Timestamp.Format(time.RFC3339Nano),
		"battery_v":   rd.BatteryVoltage,
		"coolant_c":   rd.CoolantTemp,
		"afr":         rd.AirFuelRatio,
		"map_psi":     rd.ManifoldPressure,
		"atm_psi":     rd.AtmosphericPressure,
		"boost_psi":   rd.BoostPressure,
		"vss_kph":     rd.VehicleSpeed,
		"rpm":         rd.EngineSpeed,
		"maf_gs":      rd.MassAirflow,
		"fuel":        rd.FuelConsumption,
		"engine_load": rd.EngineLoad,
	}
}
