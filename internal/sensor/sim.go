package sensor

import (
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Simulated is a Driver producing a slow diurnal-looking wave around
// indoor conditions. Used when no sensor module is attached.
type Simulated struct {
	mu    sync.Mutex
	start time.Time
	now   func() time.Time
}

// NewSimulated returns a simulated BME280.
func NewSimulated() *Simulated {
	return &Simulated{start: time.Now(), now: time.Now}
}

func (d *Simulated) Sense(e *physic.Env) error {
	d.mu.Lock()
	phase := d.now().Sub(d.start).Hours() / 24 * 2 * math.Pi
	d.mu.Unlock()

	tempC := 21.5 + 2*math.Sin(phase)
	humPct := 45 + 5*math.Cos(phase)
	pressHPa := 1013.25 + 3*math.Sin(phase/2)

	e.Temperature = physic.ZeroCelsius + physic.Temperature(tempC*float64(physic.Kelvin))
	e.Humidity = physic.RelativeHumidity(humPct * float64(physic.PercentRH))
	e.Pressure = physic.Pressure(pressHPa * float64(100*physic.Pascal))
	return nil
}

func (d *Simulated) Halt() error { return nil }
