package sensor

import (
	"fmt"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"
)

// OpenBME280 initialises the host, opens the default I2C bus (usually
// /dev/i2c-1) and binds a BME280/BMP280 at addr.
func OpenBME280(addr uint16, opts ...Option) (*Source, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return nil, fmt.Errorf("i2c open: %w", err)
	}

	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("bmxx80 at 0x%02x: %w", addr, err)
	}

	return NewSource(dev, append([]Option{WithCloser(bus.Close)}, opts...)...), nil
}
