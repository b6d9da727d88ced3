package db

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// QuantityStats summarises one quantity over a window.
type QuantityStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// ReadingSummary summarises the readings recorded in a window.
type ReadingSummary struct {
	Count       int           `json:"count"`
	Since       time.Time     `json:"since"`
	First       time.Time     `json:"first"`
	Last        time.Time     `json:"last"`
	Voltage     QuantityStats `json:"voltage"`
	Current     QuantityStats `json:"current"`
	Power       QuantityStats `json:"power"`
	PowerFactor QuantityStats `json:"power_factor"`
	// EnergyWh integrates power over the sample times.
	EnergyWh float64 `json:"energy_wh"`
}

// ReadingStats summarises every reading recorded at or after since.
func (db *DB) ReadingStats(since time.Time) (ReadingSummary, error) {
	readings, err := db.ReadingsSince(since)
	if err != nil {
		return ReadingSummary{}, err
	}
	return Summarise(readings, since), nil
}

// Summarise computes a ReadingSummary over readings sorted oldest first.
func Summarise(readings []StoredReading, since time.Time) ReadingSummary {
	sum := ReadingSummary{Count: len(readings), Since: since}
	if len(readings) == 0 {
		return sum
	}

	n := len(readings)
	voltage := make([]float64, n)
	current := make([]float64, n)
	power := make([]float64, n)
	pf := make([]float64, n)
	hours := make([]float64, n)
	t0 := readings[0].RecordedAt
	for i, r := range readings {
		voltage[i] = r.Reading.Voltage
		current[i] = r.Reading.Current
		power[i] = r.Reading.Power
		pf[i] = r.Reading.PowerFactor
		hours[i] = r.RecordedAt.Sub(t0).Hours()
	}

	sum.First = t0
	sum.Last = readings[n-1].RecordedAt
	sum.Voltage = summarise(voltage)
	sum.Current = summarise(current)
	sum.Power = summarise(power)
	sum.PowerFactor = summarise(pf)
	if n > 1 {
		sum.EnergyWh = integrate.Trapezoidal(hours, power)
	}
	return sum
}

func summarise(x []float64) QuantityStats {
	mean, std := stat.MeanStdDev(x, nil)
	if len(x) < 2 {
		// the sample deviation of one value is undefined
		std = 0
	}
	return QuantityStats{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(x),
		Max:    floats.Max(x),
	}
}
