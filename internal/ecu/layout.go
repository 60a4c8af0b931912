package ecu

import (
	"fmt"

	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

// Channel names one byte of the continuous-poll reply.
type Channel string

const (
	ChannelBatteryVoltage      Channel = "battery_voltage"
	ChannelCoolantTemp         Channel = "coolant_temp"
	ChannelAirFuelRatio        Channel = "air_fuel_ratio"
	ChannelManifoldPressure    Channel = "manifold_pressure"
	ChannelAtmosphericPressure Channel = "atmospheric_pressure"
	ChannelVehicleSpeed        Channel = "vehicle_speed"
	ChannelMassAirflowHigh     Channel = "mass_airflow_high"
	ChannelMassAirflowLow      Channel = "mass_airflow_low"
	ChannelEngineSpeedHigh     Channel = "engine_speed_high"
	ChannelEngineSpeedLow      Channel = "engine_speed_low"
)

// Channels lists every channel the decoder needs.
var Channels = []Channel{
	ChannelBatteryVoltage,
	ChannelCoolantTemp,
	ChannelAirFuelRatio,
	ChannelManifoldPressure,
	ChannelAtmosphericPressure,
	ChannelVehicleSpeed,
	ChannelMassAirflowHigh,
	ChannelMassAirflowLow,
	ChannelEngineSpeedHigh,
	ChannelEngineSpeedLow,
}

// Standard SSM2 parameter addresses for the engine ECU.
const (
	AddrCoolantTemp         ssm2.Address = 0x000008
	AddrManifoldPressure    ssm2.Address = 0x00000D
	AddrEngineSpeedHigh     ssm2.Address = 0x00000E
	AddrEngineSpeedLow      ssm2.Address = 0x00000F
	AddrVehicleSpeed        ssm2.Address = 0x000010
	AddrMassAirflowHigh     ssm2.Address = 0x000013
	AddrMassAirflowLow      ssm2.Address = 0x000014
	AddrBatteryVoltage      ssm2.Address = 0x00001C
	AddrAtmosphericPressure ssm2.Address = 0x000023
	AddrAirFuelRatio        ssm2.Address = 0x000046
)

// Field maps a channel to the address it is read from.
type Field struct {
	Channel Channel      `yaml:"channel" json:"channel"`
	Address ssm2.Address `yaml:"address" json:"address"`
}

// Layout is the ordered poll list. The position of a field is the offset of
// its byte in the reply payload.
type Layout []Field

// DefaultLayout is the ten-address list used by the logger.
func DefaultLayout() Layout {
	return Layout{
		{ChannelBatteryVoltage, AddrBatteryVoltage},
		{ChannelCoolantTemp, AddrCoolantTemp},
		{ChannelAirFuelRatio, AddrAirFuelRatio},
		{ChannelManifoldPressure, AddrManifoldPressure},
		{ChannelAtmosphericPressure, AddrAtmosphericPressure},
		{ChannelVehicleSpeed, AddrVehicleSpeed},
		{ChannelMassAirflowHigh, AddrMassAirflowHigh},
		{ChannelMassAirflowLow, AddrMassAirflowLow},
		{ChannelEngineSpeedHigh, AddrEngineSpeedHigh},
		{ChannelEngineSpeedLow, AddrEngineSpeedLow},
	}
}

// Addresses returns the addresses in poll order.
func (l Layout) Addresses() []ssm2.Address {
	out := make([]ssm2.Address, len(l))
	for i, f := range l {
		out[i] = f.Address
	}
	return out
}

// Validate checks that every channel appears exactly once with a valid
// address and that the list fits one request.
func (l Layout) Validate() error {
	if len(l) > ssm2.MaxReadAddresses {
		return fmt.Errorf("ecu: layout has %d fields, max %d", len(l), ssm2.MaxReadAddresses)
	}
	seen := make(map[Channel]bool, len(l))
	for i, f := range l {
		if !f.Address.Valid() {
			return fmt.Errorf("ecu: layout field %d (%s): address %s exceeds 24 bits", i, f.Channel, f.Address)
		}
		if seen[f.Channel] {
			return fmt.Errorf("ecu: layout channel %q listed twice", f.Channel)
		}
		seen[f.Channel] = true
	}
	for _, c := range Channels {
		if !seen[c] {
			return fmt.Errorf("ecu: layout is missing channel %q", c)
		}
	}
	return nil
}

func (l Layout) offsets() map[Channel]int {
	m := make(map[Channel]int, len(l))
	for i, f := range l {
		m[f.Channel] = i
	}
	return m
}
