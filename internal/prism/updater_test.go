package prism

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomcast/bloomcast/internal/grid"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fakeDay struct {
	status grid.Status
	value  float32
}

type fakeSource struct {
	days      map[string]fakeDay
	downloads int
}

func (f *fakeSource) key(t time.Time) string { return t.Format("2006-01-02") }

func (f *fakeSource) DateStatus(t time.Time) (grid.Status, error) {
	return f.days[f.key(t)].status, nil
}

func (f *fakeSource) DownloadDay(t time.Time) (*Raster, grid.Status, error) {
	f.downloads++
	d := f.days[f.key(t)]
	return &Raster{
		Lats:   []float64{41, 40},
		Lons:   []float64{-100},
		Values: []float32{d.value, d.value},
	}, d.status, nil
}

func TestSeasonStart(t *testing.T) {
	assert.Equal(t, day(2017, 11, 1), SeasonStart(day(2018, 3, 11)))
	assert.Equal(t, day(2017, 11, 1), SeasonStart(day(2017, 12, 25)))
	assert.Equal(t, day(2018, 11, 1), SeasonStart(day(2018, 11, 1)))
	assert.Equal(t, day(2017, 11, 1), SeasonStart(day(2018, 10, 31)))
}

func TestUpdateBuildsSeasonWithGap(t *testing.T) {
	src := &fakeSource{days: map[string]fakeDay{
		"2017-11-01": {grid.StatusStable, 10},
		"2017-11-02": {grid.StatusStable, 11},
		// 2017-11-03 not published
		"2017-11-04": {grid.StatusEarly, 13},
	}}
	u := NewUpdater(src)

	s, err := u.Update(nil, day(2017, 11, 5))
	require.NoError(t, err)

	require.Equal(t, 4, s.NumTimes())
	assert.Equal(t, day(2017, 11, 1), s.FirstTime())
	assert.Equal(t, day(2017, 11, 4), s.LastTime())

	assert.Equal(t, float32(11), s.At(1, 0, 0))
	assert.True(t, math.IsNaN(float64(s.At(2, 0, 0))), "unpublished day stored as missing data")
	assert.Equal(t, grid.StatusNone, s.StatusAt(2))
	assert.Equal(t, grid.StatusEarly, s.StatusAt(3))

	assert.Equal(t, []time.Time{day(2017, 11, 3)}, Gaps(s))
}

func TestInitializeRejectsSeasonOpenerDay(t *testing.T) {
	u := NewUpdater(&fakeSource{days: map[string]fakeDay{}})
	_, err := u.Initialize(day(2017, 11, 1))
	assert.Error(t, err, "no elapsed season days yet")
}

func TestReconcileUpgradesRevisions(t *testing.T) {
	src := &fakeSource{days: map[string]fakeDay{
		"2017-11-01": {grid.StatusStable, 10},
		"2017-11-02": {grid.StatusEarly, 11},
		"2017-11-03": {grid.StatusProvisional, 12},
	}}
	u := NewUpdater(src)

	s, err := u.Update(nil, day(2017, 11, 4))
	require.NoError(t, err)
	require.Equal(t, 3, s.NumTimes())

	// The provider re-issues day 2 as stable with corrected values and
	// fills the formerly early day with a provisional revision.
	src.days["2017-11-02"] = fakeDay{grid.StatusStable, 21}
	src.downloads = 0

	require.NoError(t, u.ReconcileRevisions(s))

	assert.Equal(t, 1, src.downloads, "only the upgraded day should be re-downloaded")
	assert.Equal(t, float32(21), s.At(1, 0, 0))
	assert.Equal(t, grid.StatusStable, s.StatusAt(1))
	assert.Equal(t, float32(12), s.At(2, 0, 0), "untouched day keeps its values")
	assert.Equal(t, float32(10), s.At(0, 0, 0))
}

func TestReconcileFillsGapOncePublished(t *testing.T) {
	src := &fakeSource{days: map[string]fakeDay{
		"2017-11-01": {grid.StatusStable, 10},
	}}
	u := NewUpdater(src)

	s, err := u.Update(nil, day(2017, 11, 3))
	require.NoError(t, err)
	require.Equal(t, []time.Time{day(2017, 11, 2)}, Gaps(s))

	src.days["2017-11-02"] = fakeDay{grid.StatusEarly, 15}
	require.NoError(t, u.ReconcileRevisions(s))

	assert.Empty(t, Gaps(s))
	assert.Equal(t, float32(15), s.At(1, 0, 0))
	assert.Equal(t, grid.StatusEarly, s.StatusAt(1))
}
