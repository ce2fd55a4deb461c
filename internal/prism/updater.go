package prism

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bloomcast/bloomcast/internal/grid"
	"github.com/bloomcast/bloomcast/internal/metrics"
)

// SeasonStart returns the first day of the growing season containing
// date: seasons run November 1 through October 31.
func SeasonStart(date time.Time) time.Time {
	year := date.Year()
	if date.Month() < time.November {
		year--
	}
	return time.Date(year, time.November, 1, 0, 0, 0, 0, time.UTC)
}

// Updater maintains one season's observation series against the archive.
type Updater struct {
	source Source
}

func NewUpdater(source Source) *Updater {
	return &Updater{source: source}
}

// Initialize starts a season series from its first day. The season
// opener must already be published: a run asked to build a season whose
// first day the archive cannot supply has been misconfigured, and
// continuing would silently produce a season with no anchor.
func (u *Updater) Initialize(date time.Time) (*grid.Series, error) {
	start := SeasonStart(date)
	if !start.Before(date) {
		return nil, fmt.Errorf("season starting %s has no elapsed days at %s", start.Format("2006-01-02"), date.Format("2006-01-02"))
	}

	raster, status, err := u.source.DownloadDay(start)
	if err != nil {
		return nil, fmt.Errorf("season opener %s: %w", start.Format("2006-01-02"), err)
	}

	s := grid.NewSeries(raster.Lats, raster.Lons)
	if err := s.Append(start, raster.Values, status); err != nil {
		return nil, err
	}
	metrics.ObservationDaysAdded.Inc()
	return s, nil
}

// Extend appends days after the series' last timestep, up to but not
// including through. Days the archive has not published yet are stored
// as missing-data timesteps so the time axis stays contiguous; they keep
// StatusNone and get picked up by ReconcileRevisions once published.
func (u *Updater) Extend(s *grid.Series, through time.Time) error {
	for day := s.LastTime().AddDate(0, 0, 1); day.Before(through); day = day.AddDate(0, 0, 1) {
		status, err := u.source.DateStatus(day)
		if err != nil {
			return fmt.Errorf("extend to %s: %w", day.Format("2006-01-02"), err)
		}
		if status == grid.StatusNone {
			log.Printf("observations: %s not published yet, leaving a gap", day.Format("2006-01-02"))
			if err := s.Append(day, grid.BlankStep(s.NumCells()), grid.StatusNone); err != nil {
				return err
			}
			continue
		}

		raster, status, err := u.source.DownloadDay(day)
		if err != nil {
			return fmt.Errorf("extend to %s: %w", day.Format("2006-01-02"), err)
		}
		if err := checkGrid(s, raster); err != nil {
			return fmt.Errorf("extend to %s: %w", day.Format("2006-01-02"), err)
		}
		if err := s.Append(day, raster.Values, status); err != nil {
			return err
		}
		metrics.ObservationDaysAdded.Inc()
	}
	return nil
}

// ReconcileRevisions re-downloads any stored day the archive now has in
// a strictly newer revision, including days stored as gaps. Each upgrade
// replaces exactly that day's timestep.
func (u *Updater) ReconcileRevisions(s *grid.Series) error {
	for i, day := range s.Times {
		current := s.StatusAt(i)
		if current == grid.StatusStable {
			continue
		}

		available, err := u.source.DateStatus(day)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", day.Format("2006-01-02"), err)
		}
		newer, err := grid.NewerAvailable(current, available)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", day.Format("2006-01-02"), err)
		}
		if !newer {
			continue
		}

		raster, available, err := u.source.DownloadDay(day)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", day.Format("2006-01-02"), err)
		}
		if err := checkGrid(s, raster); err != nil {
			return fmt.Errorf("reconcile %s: %w", day.Format("2006-01-02"), err)
		}
		if err := s.Replace(day, raster.Values, available); err != nil {
			return err
		}
		log.Printf("observations: %s upgraded %s -> %s", day.Format("2006-01-02"), statusWord(current), available)
		metrics.ObservationDaysRevised.Inc()
	}
	return nil
}

// Update is the full per-run observation pass: initialize or extend the
// season up to (but not including) date, then reconcile revisions.
func (u *Updater) Update(s *grid.Series, date time.Time) (*grid.Series, error) {
	var err error
	if s == nil {
		if s, err = u.Initialize(date); err != nil {
			return nil, err
		}
	}
	if err := u.Extend(s, date); err != nil {
		return nil, err
	}
	if err := u.ReconcileRevisions(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Gaps returns the stored days that are still missing data.
func Gaps(s *grid.Series) []time.Time {
	var out []time.Time
	for i, day := range s.Times {
		if s.StatusAt(i) == grid.StatusNone {
			out = append(out, day)
		}
	}
	return out
}

func checkGrid(s *grid.Series, r *Raster) error {
	other := grid.NewSeries(r.Lats, r.Lons)
	if !grid.SameGrid(s, other) {
		return fmt.Errorf("raster grid %dx%d does not match series grid %dx%d",
			len(r.Lats), len(r.Lons), len(s.Lats), len(s.Lons))
	}
	return nil
}

func statusWord(s grid.Status) string {
	if s == grid.StatusNone {
		return "missing"
	}
	return string(s)
}

// Coverage reports what fraction of the series' cells hold data on its
// last published day, a cheap sanity signal for run logs.
func Coverage(s *grid.Series) float64 {
	for i := s.NumTimes() - 1; i >= 0; i-- {
		if s.StatusAt(i) == grid.StatusNone {
			continue
		}
		step := s.Step(i)
		n := 0
		for _, v := range step {
			if !math.IsNaN(float64(v)) {
				n++
			}
		}
		return float64(n) / float64(len(step))
	}
	return 0
}
