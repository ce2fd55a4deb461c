// Package grib decodes the subset of GRIB2 used by the forecast archive's
// temperature time-series files: edition 2 messages on a regular
// latitude/longitude grid (grid template 3.0) packed with simple packing
// (data representation template 5.0), one message per forecast valid time.
package grib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// Field is one decoded message: a grid of values at a single valid time.
type Field struct {
	ReferenceTime time.Time
	ValidTime     time.Time
	Lats          []float64 // order follows the file's scanning mode
	Lons          []float64
	Values        []float32 // lat-major, len == len(Lats)*len(Lons)
}

var ErrNotGRIB = errors.New("not a GRIB2 file")

// ReadFile decodes every message in a GRIB2 file.
func ReadFile(path string) ([]Field, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fields, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fields, nil
}

// Read decodes concatenated GRIB2 messages from r.
func Read(r io.Reader) ([]Field, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var fields []Field
	for len(data) > 0 {
		if len(data) < 16 {
			return nil, fmt.Errorf("truncated message header (%d bytes)", len(data))
		}
		if string(data[0:4]) != "GRIB" {
			return nil, ErrNotGRIB
		}
		if data[7] != 2 {
			return nil, fmt.Errorf("unsupported GRIB edition %d", data[7])
		}
		msgLen := binary.BigEndian.Uint64(data[8:16])
		// Smallest legal message is the 16-byte indicator plus the
		// 4-byte end section.
		if msgLen < 20 {
			return nil, fmt.Errorf("message length %d too short", msgLen)
		}
		if msgLen > uint64(len(data)) {
			return nil, fmt.Errorf("message length %d exceeds remaining %d bytes", msgLen, len(data))
		}
		field, err := decodeMessage(data[:msgLen])
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
		data = data[msgLen:]
	}
	if len(fields) == 0 {
		return nil, errors.New("no GRIB2 messages")
	}
	return fields, nil
}

func decodeMessage(msg []byte) (Field, error) {
	var f Field
	var packing *simplePacking
	var forecastHours int
	body := msg[16 : len(msg)-4]
	if string(msg[len(msg)-4:]) != "7777" {
		return f, errors.New("missing end section")
	}

	for len(body) > 0 {
		if len(body) < 5 {
			return f, errors.New("truncated section header")
		}
		secLen := binary.BigEndian.Uint32(body[0:4])
		secNum := body[4]
		if secLen < 5 || uint32(len(body)) < secLen {
			return f, fmt.Errorf("bad section %d length %d", secNum, secLen)
		}
		sec := body[:secLen]

		switch secNum {
		case 1:
			t, err := decodeIdentification(sec)
			if err != nil {
				return f, err
			}
			f.ReferenceTime = t
		case 3:
			lats, lons, err := decodeGridDefinition(sec)
			if err != nil {
				return f, err
			}
			f.Lats, f.Lons = lats, lons
		case 4:
			h, err := decodeProductDefinition(sec)
			if err != nil {
				return f, err
			}
			forecastHours = h
		case 5:
			p, err := decodeDataRepresentation(sec)
			if err != nil {
				return f, err
			}
			packing = p
		case 6:
			if sec[5] != 255 {
				return f, errors.New("bitmapped messages not supported")
			}
		case 7:
			if packing == nil {
				return f, errors.New("data section before data representation section")
			}
			f.Values = packing.unpack(sec[5:])
		case 2:
			// local use, skipped
		default:
			return f, fmt.Errorf("unexpected section %d", secNum)
		}
		body = body[secLen:]
	}

	if f.ReferenceTime.IsZero() || f.Lats == nil || f.Values == nil {
		return f, errors.New("incomplete message")
	}
	if len(f.Values) != len(f.Lats)*len(f.Lons) {
		return f, fmt.Errorf("got %d values for %dx%d grid", len(f.Values), len(f.Lats), len(f.Lons))
	}
	f.ValidTime = f.ReferenceTime.Add(time.Duration(forecastHours) * time.Hour)
	return f, nil
}

func decodeIdentification(sec []byte) (time.Time, error) {
	if len(sec) < 21 {
		return time.Time{}, errors.New("identification section too short")
	}
	year := int(binary.BigEndian.Uint16(sec[12:14]))
	return time.Date(year, time.Month(sec[14]), int(sec[15]),
		int(sec[16]), int(sec[17]), int(sec[18]), 0, time.UTC), nil
}

func decodeGridDefinition(sec []byte) ([]float64, []float64, error) {
	if len(sec) < 72 {
		return nil, nil, errors.New("grid definition section too short")
	}
	template := binary.BigEndian.Uint16(sec[12:14])
	if template != 0 {
		return nil, nil, fmt.Errorf("unsupported grid template 3.%d", template)
	}

	ni := int(binary.BigEndian.Uint32(sec[30:34]))
	nj := int(binary.BigEndian.Uint32(sec[34:38]))
	la1 := microdegrees(sec[46:50])
	lo1 := microdegrees(sec[50:54])
	di := microdegrees(sec[63:67])
	dj := microdegrees(sec[67:71])
	scan := sec[71]

	// Scanning mode bit 1: points in the i direction scan negative.
	// Bit 2: points in the j direction scan positive (south to north).
	iStep, jStep := di, -dj
	if scan&0x80 != 0 {
		iStep = -di
	}
	if scan&0x40 != 0 {
		jStep = dj
	}

	lats := make([]float64, nj)
	for j := range lats {
		lats[j] = la1 + float64(j)*jStep
	}
	lons := make([]float64, ni)
	for i := range lons {
		lons[i] = lo1 + float64(i)*iStep
	}
	return lats, lons, nil
}

func decodeProductDefinition(sec []byte) (int, error) {
	if len(sec) < 22 {
		return 0, errors.New("product definition section too short")
	}
	template := binary.BigEndian.Uint16(sec[7:9])
	if template != 0 {
		return 0, fmt.Errorf("unsupported product template 4.%d", template)
	}
	unit := sec[17]
	value := int(binary.BigEndian.Uint32(sec[18:22]))
	switch unit {
	case 0: // minutes
		return value / 60, nil
	case 1: // hours
		return value, nil
	case 2: // days
		return value * 24, nil
	}
	return 0, fmt.Errorf("unsupported forecast time unit %d", unit)
}

type simplePacking struct {
	numPoints    int
	reference    float32
	binaryScale  int
	decimalScale int
	bits         int
}

func decodeDataRepresentation(sec []byte) (*simplePacking, error) {
	if len(sec) < 21 {
		return nil, errors.New("data representation section too short")
	}
	template := binary.BigEndian.Uint16(sec[9:11])
	if template != 0 {
		return nil, fmt.Errorf("unsupported packing template 5.%d", template)
	}
	return &simplePacking{
		numPoints:    int(binary.BigEndian.Uint32(sec[5:9])),
		reference:    math.Float32frombits(binary.BigEndian.Uint32(sec[11:15])),
		binaryScale:  signMagnitude16(sec[15:17]),
		decimalScale: signMagnitude16(sec[17:19]),
		bits:         int(sec[19]),
	}, nil
}

func (p *simplePacking) unpack(data []byte) []float32 {
	values := make([]float32, p.numPoints)
	binScale := math.Pow(2, float64(p.binaryScale))
	decScale := math.Pow(10, float64(p.decimalScale))

	if p.bits == 0 {
		// Constant field: every point equals the reference value.
		ref := float32(float64(p.reference) / decScale)
		for i := range values {
			values[i] = ref
		}
		return values
	}

	var acc uint64
	var nbits int
	pos := 0
	for i := range values {
		for nbits < p.bits {
			if pos >= len(data) {
				acc <<= 8
			} else {
				acc = acc<<8 | uint64(data[pos])
				pos++
			}
			nbits += 8
		}
		packed := acc >> uint(nbits-p.bits) & (1<<uint(p.bits) - 1)
		nbits -= p.bits
		values[i] = float32((float64(p.reference) + float64(packed)*binScale) / decScale)
	}
	return values
}

// GRIB2 stores signed quantities as sign-magnitude: the top bit flags a
// negative value rather than two's complement.
func signMagnitude16(b []byte) int {
	v := binary.BigEndian.Uint16(b)
	if v&0x8000 != 0 {
		return -int(v & 0x7fff)
	}
	return int(v)
}

func microdegrees(b []byte) float64 {
	v := binary.BigEndian.Uint32(b)
	if v&0x80000000 != 0 {
		return -float64(v&0x7fffffff) / 1e6
	}
	return float64(v) / 1e6
}
