package actuator

import (
	"fmt"

	"github.com/spencerhhubert/go-firmata"
)

// Baud used by StandardFirmata sketches.
const FirmataBaud = 57600

// FirmataPins drives pins on a microcontroller running Firmata.
type FirmataPins struct {
	client *firmata.FirmataClient
}

// OpenFirmata connects to the board on the given serial port.
func OpenFirmata(port string) (*FirmataPins, error) {
	client, err := firmata.NewClient(port, FirmataBaud)
	if err != nil {
		return nil, fmt.Errorf("open firmata on %s: %w", port, err)
	}
	return &FirmataPins{client: client}, nil
}

func (p *FirmataPins) SetOutput(pin uint8) error {
	p.client.SetPinMode(pin, firmata.Output)
	return nil
}

func (p *FirmataPins) Write(pin uint8, high bool) error {
	p.client.DigitalWrite(pin, high)
	return nil
}

// Close releases the serial port. Leaving it open makes the next connect fail.
func (p *FirmataPins) Close() {
	p.client.Close()
}
