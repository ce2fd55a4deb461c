package downscale

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomcast/bloomcast/internal/grid"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func identityModel(lats, lons []float64) *Model {
	n := monthsPerYear * len(lats) * len(lons)
	m := &Model{
		Lats:      lats,
		Lons:      lons,
		Slope:     make([]float64, n),
		Intercept: make([]float64, n),
	}
	for i := range m.Slope {
		m.Slope[i] = 1
	}
	return m
}

func TestCorrectBroadcastsMonthCoefficients(t *testing.T) {
	lats := []float64{40}
	lons := []float64{-100}
	m := identityModel(lats, lons)
	// January shifts by +1, February scales by 2.
	m.Intercept[0] = 1
	m.Slope[1] = 2

	s := grid.NewSeries(lats, lons)
	for i, d := range []time.Time{day(2018, 1, 30), day(2018, 1, 31), day(2018, 2, 1), day(2018, 2, 2)} {
		require.NoError(t, s.Append(d, []float32{float32(10 + i)}, grid.StatusNone))
	}

	out, err := m.Correct(s)
	require.NoError(t, err)

	assert.Equal(t, float32(11), out.At(0, 0, 0), "Jan 30 gets January coefficients")
	assert.Equal(t, float32(12), out.At(1, 0, 0), "Jan 31 gets January coefficients")
	assert.Equal(t, float32(24), out.At(2, 0, 0), "Feb 1 switches to February coefficients")
	assert.Equal(t, float32(26), out.At(3, 0, 0))
}

func TestCorrectPassesMissingDataThrough(t *testing.T) {
	lats := []float64{40}
	lons := []float64{-100, -99}
	m := identityModel(lats, lons)
	m.Intercept[0], m.Intercept[1] = 5, 5

	s := grid.NewSeries(lats, lons)
	require.NoError(t, s.Append(day(2018, 1, 1), []float32{float32(math.NaN()), 10}, grid.StatusNone))

	out, err := m.Correct(s)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(out.At(0, 0, 0))))
	assert.Equal(t, float32(15), out.At(0, 0, 1))
}

func TestCorrectRejectsGridMismatch(t *testing.T) {
	m := identityModel([]float64{40}, []float64{-100})
	s := grid.NewSeries([]float64{40, 41}, []float64{-100})
	_, err := m.Correct(s)
	assert.Error(t, err)
}

func TestTrainRecoversLinearBias(t *testing.T) {
	lats := []float64{40}
	lons := []float64{-100}
	forecast := grid.NewSeries(lats, lons)
	observed := grid.NewSeries(lats, lons)

	// Observed runs consistently at 1.5x forecast minus 2 through January.
	for i := 0; i < 20; i++ {
		d := day(2018, 1, i+1)
		x := float32(5 + i)
		require.NoError(t, forecast.Append(d, []float32{x}, grid.StatusNone))
		require.NoError(t, observed.Append(d, []float32{1.5*x - 2}, grid.StatusNone))
	}

	m, err := Train(forecast, observed)
	require.NoError(t, err)

	slope, intercept := m.at(time.January, 0)
	assert.InDelta(t, 1.5, slope, 1e-6)
	assert.InDelta(t, -2, intercept, 1e-6)

	// Months with no training data keep the identity correction.
	slope, intercept = m.at(time.July, 0)
	assert.Equal(t, 1.0, slope)
	assert.Equal(t, 0.0, intercept)
}

func TestTrainSkipsSparseCells(t *testing.T) {
	lats := []float64{40}
	lons := []float64{-100, -99}
	forecast := grid.NewSeries(lats, lons)
	observed := grid.NewSeries(lats, lons)

	// The second cell is off land: observations are always missing.
	nan := float32(math.NaN())
	for i := 0; i < 20; i++ {
		d := day(2018, 1, i+1)
		require.NoError(t, forecast.Append(d, []float32{float32(i), float32(i)}, grid.StatusNone))
		require.NoError(t, observed.Append(d, []float32{float32(2 * i), nan}, grid.StatusNone))
	}

	m, err := Train(forecast, observed)
	require.NoError(t, err)

	slope, _ := m.at(time.January, 0)
	assert.InDelta(t, 2.0, slope, 1e-6)
	slope, intercept := m.at(time.January, 1)
	assert.Equal(t, 1.0, slope, "cells without data keep identity")
	assert.Equal(t, 0.0, intercept)
}

func TestModelSaveLoadRoundTrip(t *testing.T) {
	m := identityModel([]float64{40, 41}, []float64{-100})
	m.Slope[3] = 1.25
	m.Intercept[3] = -0.5

	path := filepath.Join(t.TempDir(), "model.gob.gz")
	require.NoError(t, SaveModel(path, m))

	got, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, m.Slope, got.Slope)
	assert.Equal(t, m.Intercept, got.Intercept)
	assert.Equal(t, m.Lats, got.Lats)
}
