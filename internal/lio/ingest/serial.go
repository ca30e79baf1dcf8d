package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"go.bug.st/serial"
)

// PortOptions describes the serial connection an IMU is read from.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialIMU reads CSV IMU samples from a serial port.
type SerialIMU struct {
	port   io.ReadCloser
	logger *log.Logger

	bad int
}

// OpenSerialIMU opens the port at path.
func OpenSerialIMU(path string, opts PortOptions, logger *log.Logger) (*SerialIMU, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewSerialIMU(port, logger), nil
}

// NewSerialIMU wraps an already open port; tests pass a pipe.
func NewSerialIMU(port io.ReadCloser, logger *log.Logger) *SerialIMU {
	if logger == nil {
		logger = log.Default()
	}
	return &SerialIMU{port: port, logger: logger}
}

// Run feeds every well-formed line to f until the port reaches EOF or ctx
// is done. Malformed lines are logged and skipped. The port is closed when
// ctx ends so the blocked read returns.
func (s *SerialIMU) Run(ctx context.Context, f IMUFeeder) error {
	scan := bufio.NewScanner(s.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				scanErr <- ctx.Err()
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.port.Close()
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			sample, err := parseIMUFields(strings.Split(line, ","))
			if err != nil {
				s.bad++
				s.logger.Printf("[serial-imu] WARNING: skipping %q: %v", line, err)
				continue
			}
			f.FeedIMU(sample)
		}
	}
}

// Malformed returns the number of skipped lines.
func (s *SerialIMU) Malformed() int { return s.bad }

// Close closes the port.
func (s *SerialIMU) Close() error { return s.port.Close() }
