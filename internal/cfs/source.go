// Package cfs acquires 9-month temperature forecasts: it walks recent
// initializations off the archive, reduces the 6-hourly fields to daily
// means, and runs each candidate through downscaling and assembly.
package cfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bloomcast/bloomcast/internal/archive"
	"github.com/bloomcast/bloomcast/internal/grib"
	"github.com/bloomcast/bloomcast/internal/grid"
)

const kelvinOffset = 273.15

// ErrBadData marks a file that downloaded fine but would not decode,
// usually a truncated upload on the archive side.
var ErrBadData = errors.New("forecast file undecodable")

// ForecastSource fetches one initialization as a daily-mean Celsius
// series, or archive.ErrNotFound when the archive does not have it.
type ForecastSource interface {
	Fetch(init time.Time) (*grid.Series, error)
}

// ForecastKind maps an initialization time to the archive era it lives
// in.
func ForecastKind(init time.Time) archive.Kind {
	if init.Before(time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)) {
		return archive.KindReforecast
	}
	return archive.KindForecast
}

// ArchiveSource downloads and decodes forecast files.
type ArchiveSource struct {
	client  *archive.Client
	workDir string
}

func NewArchiveSource(client *archive.Client, workDir string) *ArchiveSource {
	return &ArchiveSource{client: client, workDir: workDir}
}

func (s *ArchiveSource) Fetch(init time.Time) (*grid.Series, error) {
	remote, err := s.client.Rules().Resolve(init, ForecastKind(init))
	if err != nil {
		return nil, err
	}

	local := filepath.Join(s.workDir, filepath.Base(remote))
	if err := s.client.Fetch(remote, local); err != nil {
		return nil, err
	}
	defer os.Remove(local)

	fields, err := grib.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	daily, err := DailyMean(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	return daily, nil
}

// DailyMean reduces 6-hourly forecast fields to one mean per UTC day,
// converting from Kelvin on the way in. A trailing day with fewer than
// four synoptic steps is dropped rather than averaged over a partial
// day.
func DailyMean(fields []grib.Field) (*grid.Series, error) {
	if len(fields) == 0 {
		return nil, errors.New("no fields")
	}

	sorted := append([]grib.Field(nil), fields...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ValidTime.Before(sorted[j].ValidTime) })

	first := sorted[0]
	for _, f := range sorted[1:] {
		if len(f.Lats) != len(first.Lats) || len(f.Lons) != len(first.Lons) {
			return nil, fmt.Errorf("field at %v is on a %dx%d grid, first field is %dx%d",
				f.ValidTime, len(f.Lats), len(f.Lons), len(first.Lats), len(first.Lons))
		}
	}

	cells := len(first.Values)
	type bucket struct {
		sum   []float64
		steps int
	}
	days := map[time.Time]*bucket{}
	var order []time.Time

	for _, f := range sorted {
		day := f.ValidTime.Truncate(24 * time.Hour)
		b, ok := days[day]
		if !ok {
			b = &bucket{sum: make([]float64, cells)}
			days[day] = b
			order = append(order, day)
		}
		for i, v := range f.Values {
			b.sum[i] += float64(v) - kelvinOffset
		}
		b.steps++
	}

	if last := days[order[len(order)-1]]; last.steps < 4 && len(order) > 1 {
		order = order[:len(order)-1]
	}

	s := grid.NewSeries(first.Lats, first.Lons)
	for _, day := range order {
		b := days[day]
		step := make([]float32, cells)
		for i := range step {
			step[i] = float32(b.sum[i] / float64(b.steps))
		}
		if err := s.Append(day, step, grid.StatusNone); err != nil {
			return nil, err
		}
	}
	return s, nil
}
