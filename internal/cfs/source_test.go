package cfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomcast/bloomcast/internal/archive"
	"github.com/bloomcast/bloomcast/internal/grib"
)

func fieldAt(valid time.Time, kelvin float32) grib.Field {
	return grib.Field{
		ReferenceTime: valid.Add(-6 * time.Hour),
		ValidTime:     valid,
		Lats:          []float64{40},
		Lons:          []float64{-100},
		Values:        []float32{kelvin},
	}
}

func TestDailyMeanAveragesAndConverts(t *testing.T) {
	base := day(2018, 3, 11)
	fields := []grib.Field{
		fieldAt(base, 283.15),                   // 10 C
		fieldAt(base.Add(6*time.Hour), 285.15),  // 12 C
		fieldAt(base.Add(12*time.Hour), 287.15), // 14 C
		fieldAt(base.Add(18*time.Hour), 289.15), // 16 C
	}

	s, err := DailyMean(fields)
	require.NoError(t, err)
	require.Equal(t, 1, s.NumTimes())
	assert.True(t, s.FirstTime().Equal(base))
	assert.InDelta(t, 13, s.At(0, 0, 0), 1e-4)
}

func TestDailyMeanDropsTrailingPartialDay(t *testing.T) {
	base := day(2018, 3, 11)
	var fields []grib.Field
	for h := 0; h < 24; h += 6 {
		fields = append(fields, fieldAt(base.Add(time.Duration(h)*time.Hour), 280))
	}
	// The next day only reaches 12Z.
	for h := 24; h <= 36; h += 6 {
		fields = append(fields, fieldAt(base.Add(time.Duration(h)*time.Hour), 290))
	}

	s, err := DailyMean(fields)
	require.NoError(t, err)
	assert.Equal(t, 1, s.NumTimes(), "the partial trailing day is dropped")
	assert.True(t, s.LastTime().Equal(base))
}

func TestDailyMeanKeepsPartialLeadingDay(t *testing.T) {
	// An initialization at 00Z starts delivering at 06Z, so the first
	// day only has three steps; it still counts.
	base := day(2018, 3, 11)
	var fields []grib.Field
	for h := 6; h <= 18; h += 6 {
		fields = append(fields, fieldAt(base.Add(time.Duration(h)*time.Hour), 283.15))
	}
	for h := 24; h <= 42; h += 6 {
		fields = append(fields, fieldAt(base.Add(time.Duration(h)*time.Hour), 285.15))
	}

	s, err := DailyMean(fields)
	require.NoError(t, err)
	require.Equal(t, 2, s.NumTimes())
	assert.True(t, s.FirstTime().Equal(base))
	assert.InDelta(t, 10, s.At(0, 0, 0), 1e-4)
}

func TestDailyMeanRejectsMixedGrids(t *testing.T) {
	a := fieldAt(day(2018, 3, 11), 280)
	b := fieldAt(day(2018, 3, 11).Add(6*time.Hour), 280)
	b.Lons = []float64{-100, -99}
	b.Values = []float32{280, 280}

	_, err := DailyMean([]grib.Field{a, b})
	assert.Error(t, err)
}

func TestForecastKindCutover(t *testing.T) {
	assert.Equal(t, archive.KindReforecast, ForecastKind(time.Date(2011, 3, 31, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, archive.KindForecast, ForecastKind(time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, archive.KindReforecast, ForecastKind(time.Date(1995, 6, 1, 0, 0, 0, 0, time.UTC)))
}
