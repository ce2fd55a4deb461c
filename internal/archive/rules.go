package archive

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects which remote dataset a path is resolved against.
type Kind string

const (
	KindForecast    Kind = "forecast"
	KindReforecast  Kind = "reforecast"
	KindReanalysis  Kind = "reanalysis"
	KindObservation Kind = "observation"
)

// Rule maps one dataset over one date range to a path template. The
// archive has changed directory layout and filename conventions at
// historical cutover dates, so resolution walks an ordered table instead
// of filling a single template; adding a future cutover is a data change.
type Rule struct {
	Kind Kind
	From time.Time // inclusive; zero = open
	To   time.Time // exclusive; zero = open

	// Template is the remote path with {YYYY}, {YYYYMM}, {YYYYMMDD} and
	// {YYYYMMDDHH} placeholders. Only placeholders are substituted; the
	// literal text around them (which is full of digits) is left alone.
	Template string

	// Cycle reports whether the archive publishes an initialization at
	// this timestamp at all (cadence differs between eras). Nil means
	// every timestamp is a publishing slot.
	Cycle func(ts time.Time) bool

	// ReliablyPopulated marks datasets whose historical window is known
	// to be fully present on the archive. Existence checks for
	// sufficiently old dates under such a rule skip the network; this is
	// a deliberate, documented exception to the list-and-check path.
	ReliablyPopulated bool
}

func (r Rule) matches(ts time.Time, kind Kind) bool {
	if r.Kind != kind {
		return false
	}
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !ts.Before(r.To) {
		return false
	}
	return true
}

// Rules is an ordered cutover table.
type Rules struct {
	rules []Rule
}

func NewRules(rules []Rule) *Rules {
	return &Rules{rules: rules}
}

var (
	cfsv2Cutover    = time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	reforecastBegin = time.Date(1982, 1, 1, 0, 0, 0, 0, time.UTC)
)

// DefaultRules describes the forecast/reforecast/reanalysis/observation
// layouts currently on the archive, including the 2011 forecast cutover.
func DefaultRules() *Rules {
	return NewRules([]Rule{
		{
			Kind:     KindForecast,
			From:     cfsv2Cutover,
			Template: "modeldata/cfsv2_forecast_ts_9mon/{YYYY}/{YYYYMM}/{YYYYMMDD}/{YYYYMMDDHH}/tmp2m.01.{YYYYMMDDHH}.daily.grb2",
			Cycle:    sixHourly,
		},
		{
			Kind:     KindReforecast,
			From:     reforecastBegin,
			To:       cfsv2Cutover,
			Template: "modeldata/cfs_reforecast_ts_9mon/{YYYY}/{YYYYMM}/{YYYYMMDD}/{YYYYMMDDHH}/tmp2m_f.01.{YYYYMMDDHH}.daily.grb2",
			Cycle:    everyFifthDay,
		},
		{
			Kind:              KindReanalysis,
			From:              time.Date(1979, 1, 1, 0, 0, 0, 0, time.UTC),
			Template:          "modeldata/cfsv2_analysis_ts/{YYYY}/{YYYYMM}/tmp2m.gdas.{YYYYMM}.grb2",
			ReliablyPopulated: true,
		},
		{
			// Daily observation files carry their revision status in the
			// filename, so only the year folder is templated; the file
			// itself is resolved by listing.
			Kind:              KindObservation,
			Template:          "daily/tmean/{YYYY}",
			ReliablyPopulated: true,
		},
	})
}

func sixHourly(ts time.Time) bool {
	return ts.Hour()%6 == 0 && ts.Minute() == 0
}

// The reforecast era only published initializations every 5th day,
// counted from the start of the reforecast archive.
func everyFifthDay(ts time.Time) bool {
	if !sixHourly(ts) {
		return false
	}
	days := int(ts.Sub(reforecastBegin).Hours() / 24)
	return days%5 == 0
}

func (r *Rules) find(ts time.Time, kind Kind) (Rule, error) {
	for _, rule := range r.rules {
		if rule.matches(ts, kind) {
			return rule, nil
		}
	}
	return Rule{}, fmt.Errorf("no path rule for %s data at %s", kind, ts.Format("2006-01-02 15:04"))
}

// expandTemplate substitutes the date placeholders. Longer placeholders
// are listed first so {YYYY} never eats the front of {YYYYMMDDHH}.
func expandTemplate(template string, ts time.Time) string {
	ts = ts.UTC()
	return strings.NewReplacer(
		"{YYYYMMDDHH}", ts.Format("2006010215"),
		"{YYYYMMDD}", ts.Format("20060102"),
		"{YYYYMM}", ts.Format("200601"),
		"{YYYY}", ts.Format("2006"),
	).Replace(template)
}

// Resolve maps a timestamp and dataset kind to its remote path.
func (r *Rules) Resolve(ts time.Time, kind Kind) (string, error) {
	rule, err := r.find(ts, kind)
	if err != nil {
		return "", err
	}
	return expandTemplate(rule.Template, ts), nil
}

// Published reports whether the archive has a publishing slot at ts for
// this kind (it says nothing about whether the file arrived yet).
func (r *Rules) Published(ts time.Time, kind Kind) (bool, error) {
	rule, err := r.find(ts, kind)
	if err != nil {
		return false, err
	}
	if rule.Cycle == nil {
		return true, nil
	}
	return rule.Cycle(ts), nil
}
