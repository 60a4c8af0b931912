package ecu

import "time"

// Reading holds the decoded values of one poll cycle. It is created once per
// cycle and passed by value; consumers own their copy.
type Reading struct {
	// Electrical
	BatteryVoltage float64 `json:"batteryVoltage"` // Volts

	// Temperatures (°C, raw - 40 offset applied)
	CoolantTemp float64 `json:"coolantTemp"`

	// Mixture
	AirFuelRatio float64 `json:"airFuelRatio"`

	// Pressures (PSI)
	ManifoldPressure    float64 `json:"manifoldPressure"`
	AtmosphericPressure float64 `json:"atmosphericPressure"`
	BoostPressure       float64 `json:"boostPressure"` // MAP - atmospheric

	// Speed
	VehicleSpeed float64 `json:"vehicleSpeed"` // km/h
	EngineSpeed  float64 `json:"engineSpeed"`  // RPM

	// Airflow and derived load
	MassAirflow     float64 `json:"massAirflow"`     // g/s
	FuelConsumption float64 `json:"fuelConsumption"` // from MAF/AFR, scaled by speed when moving
	EngineLoad      float64 `json:"engineLoad"`      // MAF * 60 / RPM

	Timestamp time.Time `json:"timestamp"`
}
