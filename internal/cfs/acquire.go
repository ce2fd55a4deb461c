package cfs

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bloomcast/bloomcast/internal/archive"
	"github.com/bloomcast/bloomcast/internal/downscale"
	"github.com/bloomcast/bloomcast/internal/ensemble"
	"github.com/bloomcast/bloomcast/internal/grid"
	"github.com/bloomcast/bloomcast/internal/metrics"
)

// FailureReason classifies why one candidate initialization did not
// become an ensemble member. Every skip is recorded under exactly one
// reason so a run's losses can be read back later.
type FailureReason string

const (
	FailureGap        FailureReason = "gap"        // publishing slot exists, file never arrived
	FailureDownload   FailureReason = "download"   // transfer failed short of a dead archive
	FailureTruncated  FailureReason = "truncated"  // file decodes but does not reach the lead horizon
	FailureDownscale  FailureReason = "downscale"  // spatial remap rejected the grid
	FailureCorrection FailureReason = "correction" // statistical correction rejected the series
	FailureAlign      FailureReason = "align"      // days or coordinates do not line up
	FailureMerge      FailureReason = "merge"      // would not splice onto the observations
	FailurePersist    FailureReason = "persist"    // assembled but could not be written
)

// MemberLog records acquisition outcomes, member by member.
type MemberLog interface {
	MemberAcquired(init time.Time, path string) error
	MemberSkipped(init time.Time, reason FailureReason, detail string) error
}

// Config sizes an acquisition run.
type Config struct {
	EnsembleSize    int
	LeadWeeks       int
	ExtraCandidates int // candidates allowed beyond EnsembleSize before giving up
	MemberDir       string
	Method          downscale.Method
}

// Acquirer turns candidate initializations into persisted members. The
// download path sits behind a circuit breaker so a flapping archive
// fails the run quickly instead of grinding through the whole candidate
// budget at timeout speed.
type Acquirer struct {
	source ForecastSource
	rules  *archive.Rules
	model  *downscale.Model // nil applies no statistical correction
	memlog MemberLog

	// The remapper depends on the forecast grid, which is only known
	// once the first file decodes; it is built then and reused.
	remap *downscale.Remapper

	breaker *gobreaker.CircuitBreaker
	cfg     Config
}

func NewAcquirer(source ForecastSource, rules *archive.Rules, model *downscale.Model, memlog MemberLog, cfg Config) *Acquirer {
	if cfg.ExtraCandidates == 0 {
		cfg.ExtraCandidates = 20
	}
	if cfg.Method == "" {
		cfg.Method = downscale.MethodDistanceWeighted
	}
	return &Acquirer{
		source: source,
		rules:  rules,
		model:  model,
		memlog: memlog,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "forecast-download",
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		cfg: cfg,
	}
}

// Acquire assembles the run's ensemble for the forecast date. The
// observation series must end the day before date. It walks candidate
// initializations backward in 6-hour steps from 18Z of the forecast
// date, skipping slots the archive never publishes, until the ensemble
// is full or the candidate budget runs out. Coming up short is fatal:
// an undersized ensemble would silently bias the phenology quantiles.
func (a *Acquirer) Acquire(obs *grid.Series, date time.Time) ([]*ensemble.Member, error) {
	if !obs.LastTime().AddDate(0, 0, 1).Equal(date) {
		return nil, fmt.Errorf("observations end %s, expected the day before %s",
			obs.LastTime().Format("2006-01-02"), date.Format("2006-01-02"))
	}

	end := date.AddDate(0, 0, a.cfg.LeadWeeks*7)
	budget := a.cfg.EnsembleSize + a.cfg.ExtraCandidates

	var members []*ensemble.Member
	tried := 0
	init := time.Date(date.Year(), date.Month(), date.Day(), 18, 0, 0, 0, time.UTC)

	for len(members) < a.cfg.EnsembleSize && tried < budget {
		published, err := a.rules.Published(init, ForecastKind(init))
		if err != nil {
			return nil, fmt.Errorf("candidate walk fell off the archive: %w", err)
		}
		if !published {
			init = init.Add(-6 * time.Hour)
			continue
		}
		tried++

		m, reason, cause := a.tryCandidate(obs, date, end, init)
		if cause != nil && reason == "" {
			return nil, cause
		}
		if reason != "" {
			detail := ""
			if cause != nil {
				detail = cause.Error()
			}
			log.Printf("acquire: skipping %s (%s): %s", init.Format("2006-01-02 15Z"), reason, detail)
			metrics.MembersSkipped.WithLabelValues(string(reason)).Inc()
			if err := a.memlog.MemberSkipped(init, reason, detail); err != nil {
				return nil, err
			}
		} else {
			members = append(members, m)
		}
		init = init.Add(-6 * time.Hour)
	}

	if len(members) < a.cfg.EnsembleSize {
		return nil, fmt.Errorf("acquired %d of %d members after %d candidates", len(members), a.cfg.EnsembleSize, tried)
	}
	return members, nil
}

// tryCandidate runs one initialization through the full pipeline. A nil
// reason with a non-nil error is fatal for the run; a non-empty reason
// skips just this candidate.
func (a *Acquirer) tryCandidate(obs *grid.Series, date, end, init time.Time) (*ensemble.Member, FailureReason, error) {
	daily, reason, err := a.download(init)
	if reason != "" || err != nil {
		return nil, reason, err
	}

	// A forecast may fall one day short of the horizon (the trailing
	// partial day is dropped at decode); anything shorter is truncated.
	window := daily.Slice(date, end)
	if window.NumTimes() == 0 || window.LastTime().Before(end.AddDate(0, 0, -1)) {
		return nil, FailureTruncated, fmt.Errorf("forecast ends %s, lead horizon is %s",
			daily.LastTime().Format("2006-01-02"), end.Format("2006-01-02"))
	}
	if !window.FirstTime().Equal(date) {
		return nil, FailureAlign, fmt.Errorf("forecast days start %s, want %s",
			window.FirstTime().Format("2006-01-02"), date.Format("2006-01-02"))
	}
	if days := int(window.LastTime().Sub(date).Hours()/24) + 1; window.NumTimes() != days {
		return nil, FailureAlign, fmt.Errorf("forecast window has %d days for a %d-day span", window.NumTimes(), days)
	}

	if a.remap == nil {
		a.remap, err = downscale.NewRemapper(window.Lats, window.Lons, obs.Lats, obs.Lons, a.cfg.Method)
		if err != nil {
			return nil, FailureDownscale, err
		}
	}
	remapped, err := a.remap.RemapSeries(window)
	if err != nil {
		return nil, FailureDownscale, err
	}
	corrected := remapped
	if a.model != nil {
		if corrected, err = a.model.Correct(remapped); err != nil {
			return nil, FailureCorrection, err
		}
	}
	if err := ensemble.AlignGrids(obs, corrected); err != nil {
		return nil, FailureAlign, err
	}
	full, err := ensemble.Assemble(obs, corrected)
	if err != nil {
		return nil, FailureMerge, err
	}

	m := &ensemble.Member{Init: init, Series: full}
	path, err := ensemble.WriteMember(a.cfg.MemberDir, m)
	if err != nil {
		return nil, FailurePersist, err
	}
	if err := a.memlog.MemberAcquired(init, path); err != nil {
		return nil, "", err
	}
	metrics.MembersPersisted.Inc()
	return m, "", nil
}

// download fetches through the circuit breaker. Absent and undecodable
// files are candidate-level outcomes and do not count against the
// breaker; transport failures do, and an open breaker fails the run.
func (a *Acquirer) download(init time.Time) (*grid.Series, FailureReason, error) {
	var daily *grid.Series
	var skip error

	_, err := a.breaker.Execute(func() (interface{}, error) {
		s, err := a.source.Fetch(init)
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) || errors.Is(err, ErrBadData) {
				skip = err
				return nil, nil
			}
			return nil, err
		}
		daily = s
		return nil, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, "", fmt.Errorf("%w: download circuit open", archive.ErrArchive)
	case errors.Is(err, archive.ErrArchive):
		return nil, "", err
	case err != nil:
		return nil, FailureDownload, err
	case errors.Is(skip, archive.ErrNotFound):
		return nil, FailureGap, skip
	case errors.Is(skip, ErrBadData):
		return nil, FailureTruncated, skip
	}
	return daily, "", nil
}
