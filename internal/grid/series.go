package grid

import (
	"fmt"
	"math"
	"time"
)

// Series is a gridded time series: one scalar value per (time, lat, lon).
// Values are stored time-major in a flat float32 slice with NaN as the
// missing-data fill. The lat/lon axes are fixed at construction; every
// downscaling step maps onto an existing series' grid rather than
// redefining it.
type Series struct {
	Times    []time.Time // ascending, UTC
	Lats     []float64
	Lons     []float64
	Data     []float32
	Statuses []Status // per-timestep revision status; nil for forecast series
}

// NewSeries returns an empty series on the given grid.
func NewSeries(lats, lons []float64) *Series {
	return &Series{
		Lats: append([]float64(nil), lats...),
		Lons: append([]float64(nil), lons...),
	}
}

func (s *Series) NumCells() int {
	return len(s.Lats) * len(s.Lons)
}

func (s *Series) NumTimes() int {
	return len(s.Times)
}

// At returns the value at time index t, latitude index la, longitude index lo.
func (s *Series) At(t, la, lo int) float32 {
	return s.Data[t*s.NumCells()+la*len(s.Lons)+lo]
}

// Step returns the flat cell values for time index t. The returned slice
// aliases the series data.
func (s *Series) Step(t int) []float32 {
	n := s.NumCells()
	return s.Data[t*n : (t+1)*n]
}

// IndexOf returns the time index holding day, or -1.
func (s *Series) IndexOf(day time.Time) int {
	for i, t := range s.Times {
		if t.Equal(day) {
			return i
		}
	}
	return -1
}

func (s *Series) FirstTime() time.Time {
	return s.Times[0]
}

func (s *Series) LastTime() time.Time {
	return s.Times[len(s.Times)-1]
}

// Append adds one timestep. The timestamp must be strictly after the
// current last timestep and values must cover the full grid.
func (s *Series) Append(ts time.Time, values []float32, status Status) error {
	if len(values) != s.NumCells() {
		return fmt.Errorf("append %s: got %d values, grid has %d cells", ts.Format("2006-01-02"), len(values), s.NumCells())
	}
	if len(s.Times) > 0 && !ts.After(s.LastTime()) {
		return fmt.Errorf("append %s: not after last timestep %s", ts.Format("2006-01-02"), s.LastTime().Format("2006-01-02"))
	}
	s.Times = append(s.Times, ts)
	s.Data = append(s.Data, values...)
	if s.Statuses != nil || status != StatusNone {
		for len(s.Statuses) < len(s.Times)-1 {
			s.Statuses = append(s.Statuses, StatusNone)
		}
		s.Statuses = append(s.Statuses, status)
	}
	return nil
}

// Replace overwrites the data and status for a single existing timestep,
// leaving every other timestep untouched.
func (s *Series) Replace(ts time.Time, values []float32, status Status) error {
	i := s.IndexOf(ts)
	if i < 0 {
		return fmt.Errorf("replace %s: timestep not present", ts.Format("2006-01-02"))
	}
	if len(values) != s.NumCells() {
		return fmt.Errorf("replace %s: got %d values, grid has %d cells", ts.Format("2006-01-02"), len(values), s.NumCells())
	}
	copy(s.Step(i), values)
	if s.Statuses != nil {
		s.Statuses[i] = status
	}
	return nil
}

// StatusAt returns the revision status at time index t, StatusNone if the
// series carries no statuses.
func (s *Series) StatusAt(t int) Status {
	if s.Statuses == nil {
		return StatusNone
	}
	return s.Statuses[t]
}

// Slice returns a copy restricted to the closed interval [from, to].
func (s *Series) Slice(from, to time.Time) *Series {
	out := NewSeries(s.Lats, s.Lons)
	for i, t := range s.Times {
		if t.Before(from) || t.After(to) {
			continue
		}
		out.Times = append(out.Times, t)
		out.Data = append(out.Data, s.Step(i)...)
		if s.Statuses != nil {
			out.Statuses = append(out.Statuses, s.Statuses[i])
		}
	}
	return out
}

// DropStatus returns a copy of the series without per-timestep statuses.
func (s *Series) DropStatus() *Series {
	out := *s
	out.Statuses = nil
	return &out
}

// BlankStep returns a missing-data timestep for an n-cell grid.
func BlankStep(n int) []float32 {
	v := make([]float32, n)
	nan := float32(math.NaN())
	for i := range v {
		v[i] = nan
	}
	return v
}

// SameGrid reports whether two series share identical lat/lon axes.
func SameGrid(a, b *Series) bool {
	return SameAxes(a.Lats, a.Lons, b.Lats, b.Lons)
}

// SameAxes reports whether two pairs of lat/lon axes are identical.
func SameAxes(aLats, aLons, bLats, bLons []float64) bool {
	if len(aLats) != len(bLats) || len(aLons) != len(bLons) {
		return false
	}
	for i := range aLats {
		if aLats[i] != bLats[i] {
			return false
		}
	}
	for i := range aLons {
		if aLons[i] != bLons[i] {
			return false
		}
	}
	return true
}
