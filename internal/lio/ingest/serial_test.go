package ingest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestPortOptionsNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "even parity", in: PortOptions{BaudRate: 9600, Parity: "even"}, want: PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "E"}},
		{name: "odd two stop", in: PortOptions{StopBits: 2, Parity: " o "}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 2, Parity: "O"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	t.Parallel()

	mode, err := PortOptions{BaudRate: 230400, StopBits: 2, Parity: "E"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 230400, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	_, err = PortOptions{Parity: "?"}.SerialMode()
	assert.Error(t, err)
}

func TestSerialIMU_Run(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	s := NewSerialIMU(r, quietLogger)
	f := &recordingFeeder{}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), f) }()

	_, err := io.WriteString(w, "0.0,0.1,0.2,0.3,0,0,9.8\r\ngarbage\n# comment\n0.005,0,0,0,1,2,3\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return at EOF")
	}
	require.Len(t, f.imu, 2)
	assert.Equal(t, r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}, f.imu[0].Gyro)
	assert.Equal(t, 0.005, f.imu[1].Time)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, f.imu[1].Acc)
	assert.Equal(t, 1, s.Malformed())
}

func TestSerialIMU_Cancel(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	defer w.Close()
	s := NewSerialIMU(r, quietLogger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, &recordingFeeder{}) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
