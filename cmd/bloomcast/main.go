package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/bloomcast/bloomcast/internal/archive"
	"github.com/bloomcast/bloomcast/internal/cfs"
	"github.com/bloomcast/bloomcast/internal/downscale"
	"github.com/bloomcast/bloomcast/internal/ensemble"
	"github.com/bloomcast/bloomcast/internal/grid"
	"github.com/bloomcast/bloomcast/internal/jobs"
	"github.com/bloomcast/bloomcast/internal/phenology"
	"github.com/bloomcast/bloomcast/internal/prism"
	"github.com/bloomcast/bloomcast/internal/store"
)

type CLI struct {
	DB          string `help:"Path to the SQLite run ledger." default:"data/bloomcast.db" env:"BLOOMCAST_DB"`
	DataDir     string `help:"Directory for season series, models and members." default:"data" env:"BLOOMCAST_DATA_DIR"`
	ArchiveAddr string `help:"Climate archive host:port." default:"ftp.cdc.noaa.gov:21" env:"BLOOMCAST_ARCHIVE_ADDR"`
	ArchiveUser string `help:"Archive login." default:"anonymous" env:"BLOOMCAST_ARCHIVE_USER"`
	ArchivePass string `help:"Archive password." default:"anonymous@" env:"BLOOMCAST_ARCHIVE_PASS"`
	MetricsAddr string `help:"Listen address for Prometheus metrics; empty disables." env:"BLOOMCAST_METRICS_ADDR"`

	Observe        ObserveCmd        `cmd:"" help:"Bring the season's observation series up to date."`
	Forecast       ForecastCmd       `cmd:"" help:"Acquire a forecast ensemble for a date."`
	Run            RunCmd            `cmd:"" help:"Observe, forecast and predict in one pass."`
	Hindcast       HindcastCmd       `cmd:"" help:"Backfill ensembles for a historical date range."`
	TrainDownscale TrainDownscaleCmd `cmd:"" name:"train-downscale" help:"Fit the statistical downscale model from history."`
}

// App carries the pieces every command needs.
type App struct {
	cli   *CLI
	db    *sql.DB
	store *store.Store
	dial  archive.Dialer
	rules *archive.Rules
	clock clockwork.Clock
}

func (a *App) newClient() *archive.Client {
	return archive.NewClient(a.dial, a.rules)
}

func (a *App) seasonPath(seasonStart time.Time) string {
	return filepath.Join(a.cli.DataDir, fmt.Sprintf("season_%d.gob.gz", seasonStart.Year()))
}

func (a *App) modelPath() string {
	return filepath.Join(a.cli.DataDir, "downscale_model.gob.gz")
}

func (a *App) paramsPath() string {
	return filepath.Join(a.cli.DataDir, "thermal_params.gob")
}

func (a *App) memberDir(date time.Time) (string, error) {
	dir := filepath.Join(a.cli.DataDir, "members", date.Format("20060102"))
	return dir, os.MkdirAll(dir, 0o755)
}

func (a *App) parseDate(s string) (time.Time, error) {
	if s == "" {
		now := a.clock.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse("2006-01-02", s)
}

// updateObservations loads (or starts) the season containing date,
// extends it through the day before date, reconciles revisions, and
// persists both the series file and the per-day ledger rows.
func (a *App) updateObservations(date time.Time) (*grid.Series, error) {
	client := a.newClient()
	defer client.Close()

	workDir, err := os.MkdirTemp("", "bloomcast-obs-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	seasonStart := prism.SeasonStart(date)
	path := a.seasonPath(seasonStart)

	var s *grid.Series
	if _, err := os.Stat(path); err == nil {
		if s, err = grid.Load(path); err != nil {
			return nil, err
		}
	}

	u := prism.NewUpdater(prism.NewArchiveSource(client, workDir))
	s, err = u.Update(s, date)
	if err != nil {
		return nil, err
	}

	if err := grid.Save(path, s); err != nil {
		return nil, err
	}
	if err := a.store.SyncObservationDays(seasonStart, s); err != nil {
		return nil, err
	}

	log.Printf("observe: season %s holds %d days (%d gaps, %.0f%% coverage)",
		seasonStart.Format("2006-01-02"), s.NumTimes(), len(prism.Gaps(s)), 100*prism.Coverage(s))
	return s, nil
}

// acquireEnsemble runs one full acquisition for date and records it in
// the ledger.
func (a *App) acquireEnsemble(obs *grid.Series, date time.Time, size, leadWeeks int, method downscale.Method) ([]*ensemble.Member, error) {
	client := a.newClient()
	defer client.Close()

	workDir, err := os.MkdirTemp("", "bloomcast-fc-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	memberDir, err := a.memberDir(date)
	if err != nil {
		return nil, err
	}

	var model *downscale.Model
	if _, err := os.Stat(a.modelPath()); err == nil {
		if model, err = downscale.LoadModel(a.modelPath()); err != nil {
			return nil, err
		}
	} else {
		log.Printf("forecast: no downscale model at %s, applying spatial remap only", a.modelPath())
	}

	run, err := a.store.StartRun(date, size, leadWeeks)
	if err != nil {
		return nil, err
	}

	acq := cfs.NewAcquirer(
		cfs.NewArchiveSource(client, workDir),
		a.rules,
		model,
		a.store.RunLog(run),
		cfs.Config{EnsembleSize: size, LeadWeeks: leadWeeks, MemberDir: memberDir, Method: method},
	)
	members, acqErr := acq.Acquire(obs, date)
	if err := a.store.CompleteRun(run, acqErr); err != nil {
		return nil, err
	}
	if acqErr != nil {
		return nil, acqErr
	}

	log.Printf("forecast: %d members for %s in %s", len(members), date.Format("2006-01-02"), memberDir)
	return members, nil
}

type ObserveCmd struct {
	Date string `help:"Run date (YYYY-MM-DD), defaults to today UTC."`
}

func (c *ObserveCmd) Run(app *App) error {
	date, err := app.parseDate(c.Date)
	if err != nil {
		return err
	}
	_, err = app.updateObservations(date)
	return err
}

type ForecastCmd struct {
	Date         string           `help:"Forecast date (YYYY-MM-DD), defaults to today UTC."`
	EnsembleSize int              `help:"Members per ensemble." default:"5"`
	LeadWeeks    int              `help:"Forecast horizon in weeks." default:"36"`
	Method       downscale.Method `help:"Spatial remap method." default:"distance_weighted" enum:"nearest,distance_weighted"`
}

func (c *ForecastCmd) Run(app *App) error {
	date, err := app.parseDate(c.Date)
	if err != nil {
		return err
	}
	obs, err := app.updateObservations(date)
	if err != nil {
		return err
	}
	_, err = app.acquireEnsemble(obs, date, c.EnsembleSize, c.LeadWeeks, c.Method)
	return err
}

type RunCmd struct {
	ForecastCmd
	Lat float64 `help:"Latitude of the site to predict for." default:"40.0"`
	Lon float64 `help:"Longitude of the site to predict for." default:"-100.0"`
}

func (c *RunCmd) Run(app *App) error {
	date, err := app.parseDate(c.Date)
	if err != nil {
		return err
	}
	obs, err := app.updateObservations(date)
	if err != nil {
		return err
	}
	members, err := app.acquireEnsemble(obs, date, c.EnsembleSize, c.LeadWeeks, c.Method)
	if err != nil {
		return err
	}

	params, err := phenology.LoadParams(app.paramsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("run: no fitted phenology params at %s, skipping prediction", app.paramsPath())
			return nil
		}
		return err
	}

	la, lo := nearestCell(obs, c.Lat, c.Lon)
	epoch := prism.SeasonStart(date)
	preds, err := phenology.PredictEnsemble(params, members, epoch, la, lo)
	if err != nil {
		return err
	}
	if len(preds) == 0 {
		log.Printf("run: no member reaches the event within the season")
		return nil
	}

	for _, q := range []float64{0.05, 0.5, 0.95} {
		day, err := phenology.Quantile(preds, q)
		if err != nil {
			return err
		}
		log.Printf("run: q%02.0f event day %s", q*100, epoch.AddDate(0, 0, day).Format("2006-01-02"))
	}
	return nil
}

func nearestCell(s *grid.Series, lat, lon float64) (int, int) {
	la, lo := 0, 0
	for i, v := range s.Lats {
		if abs(v-lat) < abs(s.Lats[la]-lat) {
			la = i
		}
	}
	for i, v := range s.Lons {
		if abs(v-lon) < abs(s.Lons[lo]-lon) {
			lo = i
		}
	}
	return la, lo
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type HindcastCmd struct {
	From         string           `help:"First forecast date (YYYY-MM-DD)." required:""`
	To           string           `help:"Last forecast date (YYYY-MM-DD)." required:""`
	Stride       int              `help:"Days between hindcast dates." default:"5"`
	Workers      int              `help:"Concurrent workers, each with its own archive session." default:"4"`
	EnsembleSize int              `help:"Members per ensemble." default:"5"`
	LeadWeeks    int              `help:"Forecast horizon in weeks." default:"36"`
	Method       downscale.Method `help:"Spatial remap method." default:"distance_weighted" enum:"nearest,distance_weighted"`
}

func (c *HindcastCmd) Run(app *App) error {
	from, err := app.parseDate(c.From)
	if err != nil {
		return err
	}
	to, err := app.parseDate(c.To)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dates := jobs.HindcastDates(from, to, c.Stride)
	log.Printf("hindcast: %d dates from %s to %s with %d workers",
		len(dates), from.Format("2006-01-02"), to.Format("2006-01-02"), c.Workers)

	pool := jobs.NewPool(c.Workers, func() (jobs.Worker, error) {
		return &hindcastWorker{app: app, cmd: c}, nil
	})
	results, err := pool.Run(ctx, dates)
	if err != nil {
		return err
	}

	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	log.Printf("hindcast: %d of %d dates succeeded", ok, len(results))
	return nil
}

// hindcastWorker rebuilds observations in memory per date rather than
// sharing season files between goroutines.
type hindcastWorker struct {
	app *App
	cmd *HindcastCmd
}

func (w *hindcastWorker) RunDate(ctx context.Context, date time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	client := w.app.newClient()
	defer client.Close()

	workDir, err := os.MkdirTemp("", "bloomcast-hc-")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(workDir)

	u := prism.NewUpdater(prism.NewArchiveSource(client, workDir))
	obs, err := u.Update(nil, date)
	if err != nil {
		return 0, err
	}

	memberDir, err := w.app.memberDir(date)
	if err != nil {
		return 0, err
	}

	var model *downscale.Model
	if _, err := os.Stat(w.app.modelPath()); err == nil {
		if model, err = downscale.LoadModel(w.app.modelPath()); err != nil {
			return 0, err
		}
	}

	run, err := w.app.store.StartRun(date, w.cmd.EnsembleSize, w.cmd.LeadWeeks)
	if err != nil {
		return 0, err
	}

	acq := cfs.NewAcquirer(
		cfs.NewArchiveSource(client, workDir),
		w.app.rules,
		model,
		w.app.store.RunLog(run),
		cfs.Config{EnsembleSize: w.cmd.EnsembleSize, LeadWeeks: w.cmd.LeadWeeks, MemberDir: memberDir, Method: w.cmd.Method},
	)
	members, acqErr := acq.Acquire(obs, date)
	if err := w.app.store.CompleteRun(run, acqErr); err != nil {
		return 0, err
	}
	if acqErr != nil {
		return 0, acqErr
	}
	return len(members), nil
}

type TrainDownscaleCmd struct {
	From   string           `help:"First training date (YYYY-MM-DD)." required:""`
	To     string           `help:"Last training date (YYYY-MM-DD)." required:""`
	Stride int              `help:"Days between training samples." default:"5"`
	Method downscale.Method `help:"Spatial remap method." default:"distance_weighted" enum:"nearest,distance_weighted"`
}

// Run builds a lead-1 training set: for each sampled date it pairs the
// forecast's first full day against the observed raster for that day,
// remaps the forecast side onto the observation grid, and fits the
// per-month correction.
func (c *TrainDownscaleCmd) Run(app *App) error {
	from, err := app.parseDate(c.From)
	if err != nil {
		return err
	}
	to, err := app.parseDate(c.To)
	if err != nil {
		return err
	}

	client := app.newClient()
	defer client.Close()

	workDir, err := os.MkdirTemp("", "bloomcast-train-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	fcSrc := cfs.NewArchiveSource(client, workDir)
	obSrc := prism.NewArchiveSource(client, workDir)

	var forecast, observed *grid.Series
	sampled, skipped := 0, 0
	for _, d := range jobs.HindcastDates(from, to, c.Stride) {
		init := time.Date(d.Year(), d.Month(), d.Day(), 18, 0, 0, 0, time.UTC)
		if published, err := app.rules.Published(init, cfs.ForecastKind(init)); err != nil || !published {
			skipped++
			continue
		}

		daily, err := fcSrc.Fetch(init)
		if errors.Is(err, archive.ErrNotFound) || errors.Is(err, cfs.ErrBadData) {
			skipped++
			continue
		}
		if err != nil {
			return err
		}

		target := d.AddDate(0, 0, 1)
		idx := daily.IndexOf(target)
		if idx < 0 {
			skipped++
			continue
		}

		status, err := obSrc.DateStatus(target)
		if err != nil {
			return err
		}
		if status == grid.StatusNone {
			skipped++
			continue
		}
		raster, _, err := obSrc.DownloadDay(target)
		if err != nil {
			return err
		}

		if forecast == nil {
			forecast = grid.NewSeries(daily.Lats, daily.Lons)
			observed = grid.NewSeries(raster.Lats, raster.Lons)
		}
		if err := forecast.Append(target, daily.Step(idx), grid.StatusNone); err != nil {
			return err
		}
		if err := observed.Append(target, raster.Values, grid.StatusNone); err != nil {
			return err
		}
		sampled++
	}

	if forecast == nil {
		return fmt.Errorf("no usable training samples between %s and %s", c.From, c.To)
	}
	log.Printf("train-downscale: %d samples, %d dates skipped", sampled, skipped)

	remap, err := downscale.NewRemapper(forecast.Lats, forecast.Lons, observed.Lats, observed.Lons, c.Method)
	if err != nil {
		return err
	}
	remapped, err := remap.RemapSeries(forecast)
	if err != nil {
		return err
	}

	model, err := downscale.Train(remapped, observed)
	if err != nil {
		return err
	}
	if err := downscale.SaveModel(app.modelPath(), model); err != nil {
		return err
	}
	log.Printf("train-downscale: model written to %s", app.modelPath())
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("bloomcast"),
		kong.Description("Plant phenology forecasting from downscaled climate forecasts."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	if err := os.MkdirAll(cli.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cli.DB), 0o755); err != nil {
		log.Fatalf("create db dir: %v", err)
	}

	db, err := sql.Open("sqlite", cli.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	if cli.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cli.MetricsAddr, mux); err != nil {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	app := &App{
		cli:   &cli,
		db:    db,
		store: st,
		dial:  archive.DialFTP(cli.ArchiveAddr, cli.ArchiveUser, cli.ArchivePass),
		rules: archive.DefaultRules(),
		clock: clockwork.NewRealClock(),
	}

	kctx.FatalIfErrorf(kctx.Run(app))
}
