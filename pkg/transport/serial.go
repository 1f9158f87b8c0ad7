package transport

import (
	"go.bug.st/serial"

	"github.com/sidkik/mcusync/pkg/errors"
)

// DefaultBaudRate is the rate MicroPython's USB and UART REPLs use.
const DefaultBaudRate = 115200

// OpenSerial opens the named serial port at `baud`.
func OpenSerial(name string, baud int) (Port, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			switch portErr.Code() {
			case serial.PortNotFound:
				return nil, errors.NewFriendlyError(
					"Serial port %q doesn't exist. Is the board plugged in?", name)
			case serial.PortBusy:
				return nil, errors.NewFriendlyError(
					"Serial port %q is busy. Close any other program "+
						"(e.g. a terminal or IDE) that's connected to the board.", name)
			case serial.PermissionDenied:
				return nil, errors.NewFriendlyError(
					"Permission denied opening %q. On Linux, add your user "+
						"to the `dialout` group.", name)
			}
		}
		return nil, errors.WithContext(err, "open serial port")
	}
	return port, nil
}
