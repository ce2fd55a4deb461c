// Package ensemble splices the observed season onto each downscaled
// forecast and persists the resulting members.
package ensemble

import (
	"fmt"
	"math"

	"github.com/bloomcast/bloomcast/internal/grid"
)

// CoordTolerance is how far a forecast grid coordinate may sit from the
// observation grid's before the grids are considered genuinely
// different. Within tolerance the observation axes win, so every member
// carries bit-identical coordinates.
const CoordTolerance = 1e-6

// AlignGrids snaps the forecast series' axes onto the observation
// series' axes when they differ only by float noise.
func AlignGrids(obs, forecast *grid.Series) error {
	if len(obs.Lats) != len(forecast.Lats) || len(obs.Lons) != len(forecast.Lons) {
		return fmt.Errorf("grid shapes differ: %dx%d vs %dx%d",
			len(obs.Lats), len(obs.Lons), len(forecast.Lats), len(forecast.Lons))
	}
	for i := range obs.Lats {
		if math.Abs(obs.Lats[i]-forecast.Lats[i]) > CoordTolerance {
			return fmt.Errorf("latitude %d differs: %v vs %v", i, obs.Lats[i], forecast.Lats[i])
		}
	}
	for i := range obs.Lons {
		if math.Abs(obs.Lons[i]-forecast.Lons[i]) > CoordTolerance {
			return fmt.Errorf("longitude %d differs: %v vs %v", i, obs.Lons[i], forecast.Lons[i])
		}
	}
	forecast.Lats = append([]float64(nil), obs.Lats...)
	forecast.Lons = append([]float64(nil), obs.Lons...)
	return nil
}

// Assemble joins the observed days and the forecast days into one
// continuous daily series. The forecast must begin exactly one day
// after the last observed day: a gap would leave phantom missing days
// inside a member, an overlap would silently prefer one source over
// the other.
func Assemble(obs, forecast *grid.Series) (*grid.Series, error) {
	if !grid.SameGrid(obs, forecast) {
		return nil, fmt.Errorf("observation and forecast grids differ")
	}
	if obs.NumTimes() == 0 || forecast.NumTimes() == 0 {
		return nil, fmt.Errorf("cannot assemble an empty series")
	}

	want := obs.LastTime().AddDate(0, 0, 1)
	if !forecast.FirstTime().Equal(want) {
		return nil, fmt.Errorf("forecast starts %s, want %s (observations end %s)",
			forecast.FirstTime().Format("2006-01-02"), want.Format("2006-01-02"),
			obs.LastTime().Format("2006-01-02"))
	}

	// Revision statuses are observation bookkeeping; a member is a plain
	// temperature series, so the copied observed days shed theirs.
	out := obs.Slice(obs.FirstTime(), obs.LastTime()).DropStatus()
	for i, ts := range forecast.Times {
		if err := out.Append(ts, forecast.Step(i), grid.StatusNone); err != nil {
			return nil, err
		}
	}
	return out, nil
}
