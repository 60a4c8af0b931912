package ecu

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

// Decoder converts a continuous-poll reply payload into a Reading. Offsets
// come from the layout the poll was armed with.
type Decoder struct {
	off   map[Channel]int
	width int
}

// NewDecoder validates layout and precomputes its offsets.
func NewDecoder(layout Layout) (*Decoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{off: layout.offsets(), width: len(layout)}, nil
}

// Width is the number of payload bytes a reply carries.
func (d *Decoder) Width() int { return d.width }

// Decode maps payload (the bytes after the reply opcode) to a Reading.
func (d *Decoder) Decode(payload []byte, ts time.Time) (Reading, error) {
	if len(payload) < d.width {
		return Reading{}, fmt.Errorf("%w: payload has %d bytes, layout needs %d", ssm2.ErrTruncatedFrame, len(payload), d.width)
	}
	u8 := func(c Channel) byte { return payload[d.off[c]] }
	u16 := func(hi, lo Channel) uint16 { return uint16(u8(hi))<<8 | uint16(u8(lo)) }

	r := Reading{
		BatteryVoltage:      batteryVoltage(u8(ChannelBatteryVoltage)),
		CoolantTemp:         coolantTemp(u8(ChannelCoolantTemp)),
		AirFuelRatio:        airFuelRatio(u8(ChannelAirFuelRatio)),
		ManifoldPressure:    pressurePSI(u8(ChannelManifoldPressure)),
		AtmosphericPressure: pressurePSI(u8(ChannelAtmosphericPressure)),
		VehicleSpeed:        float64(u8(ChannelVehicleSpeed)),
		MassAirflow:         massAirflow(u16(ChannelMassAirflowHigh, ChannelMassAirflowLow)),
		EngineSpeed:         engineSpeed(u16(ChannelEngineSpeedHigh, ChannelEngineSpeedLow)),
		Timestamp:           ts,
	}
	r.BoostPressure = round(r.ManifoldPressure-r.AtmosphericPressure, 1)
	r.FuelConsumption = fuelConsumption(r.MassAirflow, r.AirFuelRatio, r.VehicleSpeed)
	r.EngineLoad = engineLoad(r.MassAirflow, r.EngineSpeed)
	return r, nil
}

func batteryVoltage(b byte) float64 { return round(float64(b)*0.08, 1) }

func coolantTemp(b byte) float64 { return float64(b) - 40 }

func airFuelRatio(b byte) float64 { return round(float64(b)/128*14.7, 2) }

func pressurePSI(b byte) float64 { return float64(b) * 37 / 255 }

func massAirflow(v uint16) float64 { return round(float64(v)/100, 2) }

// engineSpeed rounds half to even, as the logger always has.
func engineSpeed(v uint16) float64 { return math.RoundToEven(float64(v) / 4) }

func fuelConsumption(maf, afr, speed float64) float64 {
	if afr == 0 {
		return 0
	}
	fuel := (maf / afr) / 761 * 100
	if speed != 0 {
		fuel *= 3600 / speed
	}
	return round(fuel, 1)
}

func engineLoad(maf, rpm float64) float64 {
	if rpm == 0 {
		return 0
	}
	return maf * 60 / rpm
}

// round rounds the exact binary value of v, so 3.675 (stored just
// below) gives 3.67.
func round(v float64, places int) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', places, 64), 64)
	return r
}
