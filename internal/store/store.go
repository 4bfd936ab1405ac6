// Package store keeps the history of analysis runs and the detection
// records accepted by the operator in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/fiap/smartlocation/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

//go:embed migrations/*.sql
var migrations embed.FS

// RunRow is a persisted analysis run.
type RunRow struct {
	ID         int               `json:"-"`
	UUID       string            `json:"run_id"`
	InProgress bool              `json:"in_progress"`
	Started    time.Time         `json:"started"`
	Finished   time.Time         `json:"finished,omitzero"`
	Outcome    model.OutcomeKind `json:"outcome,omitempty"`
	Failure    model.FailureKind `json:"failure,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	ExitCode   int               `json:"exit_code,omitempty"`
	Detections int               `json:"detections"`
	Video      string            `json:"video,omitempty"`
	Chart      string            `json:"chart,omitempty"`
	Log        string            `json:"log,omitempty"`
	Message    string            `json:"message,omitempty"`
}

func (r RunRow) String() string {
	return fmt.Sprintf("uuid: %q, in_progress: %t, outcome: %q, detections: %d", r.UUID, r.InProgress, r.Outcome, r.Detections)
}

// Open opens the SQLite database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between concurrent transactions
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		slog.DebugContext(ctx, "migration applied", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// RunStart persists, on success, that a run identified by 'uuid' is in progress.
// If the run is still in progress, no error is returned,
// if it has already finished ErrAlreadyFinished is returned.
func RunStart(ctx context.Context, db *sql.DB, uuid string, started time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, in_progress, started_at) VALUES (?,?,?);`, uuid, true, started.UTC(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// RunFinish stores the outcome of a run. A run which was never started is
// inserted. It returns ErrAlreadyFinished if the run has been finished before.
func RunFinish(ctx context.Context, db *sql.DB, report model.Report) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, report.RunID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, report.RunID,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (uuid, in_progress, started_at) VALUES (?,?,?);`, report.RunID, true, report.Started.UTC(),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	o := report.Outcome
	var (
		detections            int
		video, chart, logPath sql.NullString
		exitCode              sql.NullInt64
	)
	if s := o.Summary; s != nil {
		detections = s.Detections
		video = nullString(s.Video)
		chart = nullString(s.Chart)
		logPath = nullString(s.Log)
	}
	if o.Failure == model.FailureNonZeroExit {
		exitCode = sql.NullInt64{Int64: int64(o.ExitCode), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			finished_at = ?,
			outcome = ?,
			failure = ?,
			failure_reason = ?,
			exit_code = ?,
			detections = ?,
			video = ?,
			chart = ?,
			log = ?,
			message = ?
		WHERE uuid = ?;
		`,
		report.Finished.UTC(),
		string(o.Kind),
		nullString(string(o.Failure)),
		nullString(o.Reason),
		exitCode,
		detections,
		video, chart, logPath,
		nullString(o.Message),
		report.RunID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const runColumns = `id, uuid, in_progress, started_at, finished_at, outcome, failure,
	failure_reason, exit_code, detections, video, chart, log, message`

// GetRun returns a run identified by 'uuid' on success,
// ErrNotFound when it does not exist, error otherwise.
func GetRun(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE uuid=?`, uuid,
	)
	r, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, the most recent first.
func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ret := []RunRow{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return ret, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRow, error) {
	var (
		r                                      RunRow
		finished                               sql.NullTime
		outcome, failure, reason, video, chart sql.NullString
		logPath, message                       sql.NullString
		exitCode                               sql.NullInt64
	)
	err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.InProgress,
		&r.Started,
		&finished,
		&outcome,
		&failure,
		&reason,
		&exitCode,
		&r.Detections,
		&video,
		&chart,
		&logPath,
		&message,
	)
	if err != nil {
		return RunRow{}, err
	}
	r.Finished = finished.Time
	r.Outcome = model.OutcomeKind(outcome.String)
	r.Failure = model.FailureKind(failure.String)
	r.Reason = reason.String
	r.ExitCode = int(exitCode.Int64)
	r.Video = video.String
	r.Chart = chart.String
	r.Log = logPath.String
	r.Message = message.String
	return r, nil
}

// SaveDetections persists pending and saved records in one transaction and
// returns how many were written. Discarded records are skipped. A zero
// registration time is replaced by now. runUUID may be empty.
func SaveDetections(ctx context.Context, db *sql.DB, runUUID string, records []model.DetectionRecord) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(ctx, tx, runUUID)

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO detections (run_uuid, moto_id, plate, x, y, confidence, registered_at, status)
		 VALUES (?,?,?,?,?,?,?,?);`,
	)
	if err != nil {
		return 0, fmt.Errorf("preparing sql insert failed: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	var n int
	for _, d := range records {
		if d.Status == model.LifecycleDiscarded {
			continue
		}
		registered := d.Registered.Time
		if registered.IsZero() {
			registered = now
		}
		var motoID sql.NullInt64
		if d.MotoID != nil {
			motoID = sql.NullInt64{Int64: *d.MotoID, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			nullString(runUUID),
			motoID,
			d.Plate,
			d.X,
			d.Y,
			d.Confidence,
			registered.UTC(),
			string(model.LifecycleSaved),
		)
		if err != nil {
			return 0, fmt.Errorf("executing sql insert failed: %w", err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return n, nil
}

// CountDetections returns the number of records registered at or after since.
func CountDetections(ctx context.Context, db *sql.DB, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detections WHERE registered_at >= ?`, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	return n, nil
}

// CountRunDetections returns the number of records saved for the run uuid.
// Records saved without a run are counted for an empty uuid.
func CountRunDetections(ctx context.Context, db *sql.DB, uuid string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detections WHERE run_uuid IS ?`, nullString(uuid),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	return n, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
