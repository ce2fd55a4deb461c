// Package prism ingests the daily observed-temperature rasters: zipped
// .hdr/.bil pairs named with a revision status that advances from early
// through provisional to stable as the provider re-issues the day.
package prism

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Raster is one decoded daily grid. Values are lat-major with rows
// running north to south, matching the header's upper-left origin.
type Raster struct {
	Lats   []float64
	Lons   []float64
	Values []float32 // NaN where the source says nodata
}

type bilHeader struct {
	rows, cols   int
	ulx, uly     float64 // center of the upper-left cell
	xdim, ydim   float64
	nbits        int
	nodata       float64
	pixelType    string
	littleEndian bool
}

func parseHeader(hdr []byte) (bilHeader, error) {
	h := bilHeader{nbits: 32, nodata: math.NaN(), pixelType: "FLOAT", littleEndian: true}
	seen := map[string]bool{}

	for _, line := range strings.Split(string(hdr), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.ToUpper(fields[0])
		val := fields[1]
		seen[key] = true

		var err error
		switch key {
		case "NROWS":
			h.rows, err = strconv.Atoi(val)
		case "NCOLS":
			h.cols, err = strconv.Atoi(val)
		case "ULXMAP":
			h.ulx, err = strconv.ParseFloat(val, 64)
		case "ULYMAP":
			h.uly, err = strconv.ParseFloat(val, 64)
		case "XDIM":
			h.xdim, err = strconv.ParseFloat(val, 64)
		case "YDIM":
			h.ydim, err = strconv.ParseFloat(val, 64)
		case "NBITS":
			h.nbits, err = strconv.Atoi(val)
		case "NODATA":
			h.nodata, err = strconv.ParseFloat(val, 64)
		case "PIXELTYPE":
			h.pixelType = strings.ToUpper(val)
		case "BYTEORDER":
			h.littleEndian = strings.ToUpper(val) == "I"
		}
		if err != nil {
			return h, fmt.Errorf("header field %s=%q: %w", key, val, err)
		}
	}

	for _, key := range []string{"NROWS", "NCOLS", "ULXMAP", "ULYMAP", "XDIM", "YDIM"} {
		if !seen[key] {
			return h, fmt.Errorf("header missing %s", key)
		}
	}
	if h.pixelType != "FLOAT" || h.nbits != 32 {
		return h, fmt.Errorf("unsupported raster layout: %s/%d bits", h.pixelType, h.nbits)
	}
	return h, nil
}

func decodeRaster(hdr, bil []byte) (*Raster, error) {
	h, err := parseHeader(hdr)
	if err != nil {
		return nil, err
	}
	if want := h.rows * h.cols * 4; len(bil) != want {
		return nil, fmt.Errorf("raster body is %d bytes, header implies %d", len(bil), want)
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if !h.littleEndian {
		order = binary.BigEndian
	}

	r := &Raster{
		Lats:   make([]float64, h.rows),
		Lons:   make([]float64, h.cols),
		Values: make([]float32, h.rows*h.cols),
	}
	for j := range r.Lats {
		r.Lats[j] = h.uly - float64(j)*h.ydim
	}
	for i := range r.Lons {
		r.Lons[i] = h.ulx + float64(i)*h.xdim
	}

	nan := float32(math.NaN())
	for i := range r.Values {
		v := math.Float32frombits(order.Uint32(bil[4*i:]))
		if float64(v) == h.nodata {
			v = nan
		}
		r.Values[i] = v
	}
	return r, nil
}
