package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SerialOpener opens the RFCOMM serial device bound to the paired pump, e.g.
// /dev/rfcomm0 after `rfcomm bind`. The device name is only logged; the port
// path selects the pump.
type SerialOpener struct {
	Port     string
	BaudRate int
}

func (o SerialOpener) Open(ctx context.Context, name string) (Stream, error) {
	if o.Port == "" {
		return nil, fmt.Errorf("%w: no serial port configured for %s", ErrNotFound, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mode = &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(o.Port, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && (portErr.Code() == serial.PortNotFound || portErr.Code() == serial.InvalidSerialPort) {
			return nil, fmt.Errorf("%w: %s on %s", ErrNotFound, name, o.Port)
		}
		return nil, fmt.Errorf("transport: open %s: %w", o.Port, err)
	}

	log.Info().Str("port", o.Port).Int("baud", o.BaudRate).Str("device", name).Msg("Serial link open")

	var s = &serialStream{port: port}
	s.connected.Store(true)
	return s, nil
}

type serialStream struct {
	port      serial.Port
	connected atomic.Bool
	closeOnce sync.Once
}

func (s *serialStream) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		s.connected.Store(false)
		return n, err
	}
	if n == 0 {
		// go.bug.st/serial returns 0, nil on a read timeout or after the port
		// was closed from another goroutine.
		if !s.connected.Load() {
			return 0, ErrClosed
		}
	}
	return n, nil
}

func (s *serialStream) Write(p []byte) (int, error) {
	if !s.connected.Load() {
		return 0, ErrClosed
	}
	n, err := s.port.Write(p)
	if err != nil {
		s.connected.Store(false)
	}
	return n, err
}

func (s *serialStream) IsConnected() bool {
	return s.connected.Load()
}

func (s *serialStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		err = s.port.Close()
	})
	return err
}
