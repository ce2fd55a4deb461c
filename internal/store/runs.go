package store

import (
	"database/sql"
	"time"

	"github.com/bloomcast/bloomcast/internal/cfs"
	"github.com/bloomcast/bloomcast/internal/grid"
)

// AcquisitionRun is one forecast acquisition attempt for auditing.
type AcquisitionRun struct {
	ID              int64
	StartedAt       time.Time
	FinishedAt      sql.NullTime
	ForecastDate    time.Time
	EnsembleSize    int
	LeadWeeks       int
	MembersAcquired sql.NullInt64
	MembersSkipped  sql.NullInt64
	Success         bool
	ErrorMessage    sql.NullString
}

// StartRun creates a new acquisition run record and returns it.
func (s *Store) StartRun(forecastDate time.Time, ensembleSize, leadWeeks int) (*AcquisitionRun, error) {
	run := &AcquisitionRun{
		StartedAt:    time.Now().UTC(),
		ForecastDate: forecastDate,
		EnsembleSize: ensembleSize,
		LeadWeeks:    leadWeeks,
	}

	result, err := s.db.Exec(`
		INSERT INTO acquisition_runs (started_at, forecast_date, ensemble_size, lead_weeks, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.ForecastDate.Format("2006-01-02"), run.EnsembleSize, run.LeadWeeks)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteRun updates the run record with its outcome.
func (s *Store) CompleteRun(run *AcquisitionRun, runErr error) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	run.Success = runErr == nil
	if runErr != nil {
		run.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
	}

	var acquired, skipped int64
	if err := s.db.QueryRow(`
		SELECT
			SUM(CASE WHEN acquired THEN 1 ELSE 0 END),
			SUM(CASE WHEN NOT acquired THEN 1 ELSE 0 END)
		FROM forecast_members WHERE run_id = ?
	`, run.ID).Scan(&sqlNullWrap{&acquired}, &sqlNullWrap{&skipped}); err != nil {
		return err
	}
	run.MembersAcquired = sql.NullInt64{Int64: acquired, Valid: true}
	run.MembersSkipped = sql.NullInt64{Int64: skipped, Valid: true}

	_, err := s.db.Exec(`
		UPDATE acquisition_runs SET
			finished_at = ?,
			members_acquired = ?,
			members_skipped = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.MembersAcquired, run.MembersSkipped, run.Success, run.ErrorMessage, run.ID)
	return err
}

// sqlNullWrap scans a nullable aggregate into an int64, treating NULL
// as zero.
type sqlNullWrap struct {
	v *int64
}

func (w *sqlNullWrap) Scan(src interface{}) error {
	var n sql.NullInt64
	if err := n.Scan(src); err != nil {
		return err
	}
	if n.Valid {
		*w.v = n.Int64
	}
	return nil
}

// MemberRecord is one candidate initialization's outcome within a run.
type MemberRecord struct {
	ID         int64
	RunID      int64
	InitTime   time.Time
	Acquired   bool
	SkipReason sql.NullString
	SkipDetail sql.NullString
	MemberPath sql.NullString
}

// RunLog scopes member recording to one acquisition run.
type RunLog struct {
	store *Store
	runID int64
}

func (s *Store) RunLog(run *AcquisitionRun) *RunLog {
	return &RunLog{store: s, runID: run.ID}
}

func (l *RunLog) MemberAcquired(init time.Time, path string) error {
	_, err := l.store.db.Exec(`
		INSERT INTO forecast_members (run_id, init_time, acquired, member_path)
		VALUES (?, ?, TRUE, ?)
	`, l.runID, init.UTC(), path)
	return err
}

func (l *RunLog) MemberSkipped(init time.Time, reason cfs.FailureReason, detail string) error {
	_, err := l.store.db.Exec(`
		INSERT INTO forecast_members (run_id, init_time, acquired, skip_reason, skip_detail)
		VALUES (?, ?, FALSE, ?, ?)
	`, l.runID, init.UTC(), string(reason), detail)
	return err
}

// RunMembers returns a run's member records, oldest first.
func (s *Store) RunMembers(runID int64) ([]MemberRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, init_time, acquired, skip_reason, skip_detail, member_path
		FROM forecast_members
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MemberRecord
	for rows.Next() {
		var r MemberRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.InitTime, &r.Acquired, &r.SkipReason, &r.SkipDetail, &r.MemberPath); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpsertObservationDay records a day's current revision status within
// its season.
func (s *Store) UpsertObservationDay(seasonStart, day time.Time, status grid.Status) error {
	_, err := s.db.Exec(`
		INSERT INTO observation_days (season_start, day, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(season_start, day) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, seasonStart.Format("2006-01-02"), day.Format("2006-01-02"), string(status), time.Now().UTC())
	return err
}

// ObservationStatuses returns day -> status for a season.
func (s *Store) ObservationStatuses(seasonStart time.Time) (map[string]grid.Status, error) {
	rows, err := s.db.Query(`
		SELECT day, status FROM observation_days WHERE season_start = ?
	`, seasonStart.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]grid.Status)
	for rows.Next() {
		var day, status string
		if err := rows.Scan(&day, &status); err != nil {
			return nil, err
		}
		out[day] = grid.Status(status)
	}
	return out, rows.Err()
}

// SyncObservationDays writes the whole season series' statuses in one
// transaction.
func (s *Store) SyncObservationDays(seasonStart time.Time, series *grid.Series) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for i, day := range series.Times {
		if _, err := tx.Exec(`
			INSERT INTO observation_days (season_start, day, status, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(season_start, day) DO UPDATE SET
				status = excluded.status,
				updated_at = excluded.updated_at
		`, seasonStart.Format("2006-01-02"), day.Format("2006-01-02"), string(series.StatusAt(i)), time.Now().UTC()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest acquisition runs, newest first.
func (s *Store) RecentRuns(limit int) ([]AcquisitionRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, forecast_date, ensemble_size, lead_weeks,
		       members_acquired, members_skipped, success, error_message
		FROM acquisition_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []AcquisitionRun
	for rows.Next() {
		var r AcquisitionRun
		var date string
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &date, &r.EnsembleSize, &r.LeadWeeks,
			&r.MembersAcquired, &r.MembersSkipped, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.ForecastDate, _ = time.Parse("2006-01-02", date)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
