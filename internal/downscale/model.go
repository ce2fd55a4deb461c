package downscale

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/bloomcast/bloomcast/internal/grid"
)

// Model holds the trained per-month, per-cell linear correction applied
// to spatially remapped forecast values. Coefficients are keyed by
// calendar month; correcting a daily series broadcasts each month's
// coefficients across its days.
type Model struct {
	Lats, Lons []float64
	Slope      []float64 // [month][cell], month 0 = January
	Intercept  []float64
}

const monthsPerYear = 12

func (m *Model) cells() int { return len(m.Lats) * len(m.Lons) }

func (m *Model) at(month time.Month, cell int) (float64, float64) {
	i := (int(month)-1)*m.cells() + cell
	return m.Slope[i], m.Intercept[i]
}

// Correct applies the model to a series on the same grid. Missing data
// passes through untouched.
func (m *Model) Correct(s *grid.Series) (*grid.Series, error) {
	if !grid.SameGrid(s, &grid.Series{Lats: m.Lats, Lons: m.Lons}) {
		return nil, fmt.Errorf("series grid %dx%d does not match model grid %dx%d",
			len(s.Lats), len(s.Lons), len(m.Lats), len(m.Lons))
	}

	// The month index per timestep is resolved once, then reused for
	// every cell in that step.
	out := grid.NewSeries(s.Lats, s.Lons)
	for i, ts := range s.Times {
		month := ts.Month()
		src := s.Step(i)
		corrected := make([]float32, len(src))
		for cell, v := range src {
			if math.IsNaN(float64(v)) {
				corrected[cell] = v
				continue
			}
			slope, intercept := m.at(month, cell)
			corrected[cell] = float32(slope*float64(v) + intercept)
		}
		if err := out.Append(ts, corrected, s.StatusAt(i)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// minTrainingDays is the fewest same-month samples a cell needs before
// a fitted line is trusted over the identity correction.
const minTrainingDays = 10

// Train fits the correction from a historical forecast series and the
// observed series on the same grid and days. For each month and cell
// the two sides are sorted independently and the sorted observations
// are regressed on the sorted forecasts, so the fit matches the value
// distributions rather than day-by-day pairs. Cells without enough
// overlapping data (off-land cells, mostly) keep an identity
// correction.
func Train(forecast, observed *grid.Series) (*Model, error) {
	if !grid.SameGrid(forecast, observed) {
		return nil, fmt.Errorf("forecast and observed grids differ")
	}

	m := &Model{
		Lats:      append([]float64(nil), forecast.Lats...),
		Lons:      append([]float64(nil), forecast.Lons...),
		Slope:     make([]float64, monthsPerYear*forecast.NumCells()),
		Intercept: make([]float64, monthsPerYear*forecast.NumCells()),
	}
	for i := range m.Slope {
		m.Slope[i] = 1
	}

	obsIdx := make(map[time.Time]int, observed.NumTimes())
	for i, ts := range observed.Times {
		obsIdx[ts] = i
	}

	cells := forecast.NumCells()
	for month := 0; month < monthsPerYear; month++ {
		for cell := 0; cell < cells; cell++ {
			var xs, ys []float64
			for i, ts := range forecast.Times {
				if int(ts.Month())-1 != month {
					continue
				}
				j, ok := obsIdx[ts]
				if !ok {
					continue
				}
				x := float64(forecast.Data[i*cells+cell])
				y := float64(observed.Data[j*cells+cell])
				if math.IsNaN(x) || math.IsNaN(y) {
					continue
				}
				xs = append(xs, x)
				ys = append(ys, y)
			}
			if len(xs) < minTrainingDays {
				continue
			}
			sort.Float64s(xs)
			sort.Float64s(ys)
			slope, intercept, ok := fitLine(xs, ys)
			if !ok {
				continue
			}
			m.Slope[month*cells+cell] = slope
			m.Intercept[month*cells+cell] = intercept
		}
	}
	return m, nil
}

// fitLine is ordinary least squares of ys on xs. A degenerate x spread
// reports !ok so the caller keeps the identity correction.
func fitLine(xs, ys []float64) (slope, intercept float64, ok bool) {
	n := float64(len(xs))
	var sumX, sumY, sumXX, sumXY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXX += xs[i] * xs[i]
		sumXY += xs[i] * ys[i]
	}
	det := n*sumXX - sumX*sumX
	if math.Abs(det) < 1e-9 {
		return 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / det
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, true
}

// SaveModel writes the model with the same whole-file replace semantics
// as the series codec.
func SaveModel(path string, m *Model) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := gob.NewEncoder(zw).Encode(m); err != nil {
		tmp.Close()
		return fmt.Errorf("encode model: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()

	var m Model
	if err := gob.NewDecoder(zr).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	return &m, nil
}
