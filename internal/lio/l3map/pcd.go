package l3map

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

const pcdPointSize = 16

// ErrUnsupportedPCD is returned by ReadPCD for layouts other than the one
// WritePCD produces.
var ErrUnsupportedPCD = errors.New("unsupported pcd layout")

// WritePCD writes points as a binary PCD v0.7 cloud with float32 x, y, z
// and intensity fields.
func WritePCD(out io.Writer, points []lio.MapPoint) error {
	w := bufio.NewWriter(out)
	_, err := fmt.Fprintf(w, "VERSION .7\n"+
		"FIELDS x y z intensity\n"+
		"SIZE 4 4 4 4\n"+
		"TYPE F F F F\n"+
		"COUNT 1 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA binary\n",
		len(points), len(points))
	if err != nil {
		return err
	}

	buf := make([]byte, pcdPointSize)
	for _, p := range points {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.Pos.X)))
		binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Pos.Y)))
		binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Pos.Z)))
		binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(float32(p.Intensity)))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadPCD reads a cloud written by WritePCD.
func ReadPCD(in io.Reader) ([]lio.MapPoint, error) {
	r := bufio.NewReader(in)
	n := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading pcd header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "FIELDS":
			if strings.Join(fields[1:], " ") != "x y z intensity" {
				return nil, fmt.Errorf("%w: fields %v", ErrUnsupportedPCD, fields[1:])
			}
		case "POINTS":
			if len(fields) != 2 {
				return nil, fmt.Errorf("%w: %q", ErrUnsupportedPCD, strings.TrimSpace(line))
			}
			n, err = strconv.Atoi(fields[1])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad point count %q", ErrUnsupportedPCD, fields[1])
			}
		case "DATA":
			if len(fields) != 2 || fields[1] != "binary" {
				return nil, fmt.Errorf("%w: data %v", ErrUnsupportedPCD, fields[1:])
			}
			if n < 0 {
				return nil, fmt.Errorf("%w: missing POINTS", ErrUnsupportedPCD)
			}
			return readPCDBody(r, n)
		}
	}
}

func readPCDBody(r io.Reader, n int) ([]lio.MapPoint, error) {
	points := make([]lio.MapPoint, n)
	buf := make([]byte, pcdPointSize)
	f := func(b []byte) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	for i := range points {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading point %d: %w", i, err)
		}
		points[i] = lio.MapPoint{
			Pos:       r3.Vec{X: f(buf), Y: f(buf[4:]), Z: f(buf[8:])},
			Intensity: f(buf[12:]),
		}
	}
	return points, nil
}
