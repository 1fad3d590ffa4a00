package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"worldrates/internal/model"
	"worldrates/internal/store"
)

// Persister keeps the snapshot in normalized tables. Each save rewrites every
// table inside one transaction.
type Persister struct {
	db *sql.DB
}

const fileHeader = "SQLite format 3\x00"

type options struct {
	resetCorrupt bool
	log          *zap.Logger
}

type Option func(*options)

// WithCorruptReset moves a file that is not a usable database to
// <path>.corrupt and starts an empty one in its place.
func WithCorruptReset(log *zap.Logger) Option {
	return func(o *options) {
		o.resetCorrupt = true
		if log != nil {
			o.log = log
		}
	}
}

func New(path string, opts ...Option) (*Persister, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	persister, err := open(path)
	if err == nil || !o.resetCorrupt {
		return persister, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}

	aside := path + ".corrupt"
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return nil, errors.Join(err, fmt.Errorf("sqlite: move corrupt database aside: %w", renameErr))
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	o.log.Warn("corrupt database moved aside, starting empty",
		zap.String("path", path),
		zap.String("moved_to", aside),
		zap.Error(err),
	)
	return open(path)
}

func open(path string) (*Persister, error) {
	if err := checkHeader(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	persister := &Persister{db: db}
	if err := persister.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	return persister, nil
}

// checkHeader accepts a missing or empty file, which sqlite initializes.
func checkHeader(path string) error {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	header := make([]byte, len(fileHeader))
	n, err := io.ReadFull(file, header)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil || string(header) != fileHeader {
		return fmt.Errorf("sqlite: %s is not a database", path)
	}
	return nil
}

func (p *Persister) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Persister) Save(ctx context.Context, snapshot *store.Snapshot) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, statement := range []string{
		`DELETE FROM observations`,
		`DELETE FROM countries`,
		`DELETE FROM snapshot_meta`,
	} {
		if _, err = tx.ExecContext(ctx, statement); err != nil {
			return err
		}
	}

	countryStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO countries (id, iso_code, iso_code_3, name, region, currency_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer countryStmt.Close()

	for _, country := range snapshot.Countries {
		_, err = countryStmt.ExecContext(ctx,
			country.ID,
			country.ISO2,
			country.ISO3,
			country.Name,
			country.Region,
			country.Currency,
			formatTime(country.CreatedAt),
		)
		if err != nil {
			return err
		}
	}

	observationStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (
			series, id, country_iso, value, currency_code, period, source,
			effective_date, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer observationStmt.Close()

	for _, series := range model.AllSeries() {
		for _, observation := range snapshot.Series[series.ID] {
			_, err = observationStmt.ExecContext(ctx,
				string(series.ID),
				observation.ID,
				observation.CountryISO,
				observation.Value,
				observation.CurrencyCode,
				observation.Period,
				observation.Source,
				observation.EffectiveDate,
				formatTime(observation.UpdatedAt),
			)
			if err != nil {
				return err
			}
		}
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO snapshot_meta (id, saved_at) VALUES (1, ?)`, formatTime(time.Now())); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *Persister) Load(ctx context.Context) (*store.Snapshot, error) {
	var savedAt string
	err := p.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshot_meta WHERE id = 1`).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	snapshot := store.EmptySnapshot()

	countryRows, err := p.db.QueryContext(ctx, `
		SELECT id, iso_code, iso_code_3, name, region, currency_code, created_at
		FROM countries ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer countryRows.Close()
	for countryRows.Next() {
		var country model.Country
		var createdAt string
		if err := countryRows.Scan(&country.ID, &country.ISO2, &country.ISO3, &country.Name, &country.Region, &country.Currency, &createdAt); err != nil {
			return nil, err
		}
		if country.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		snapshot.Countries = append(snapshot.Countries, country)
	}
	if err := countryRows.Err(); err != nil {
		return nil, err
	}

	observationRows, err := p.db.QueryContext(ctx, `
		SELECT series, id, country_iso, value, currency_code, period, source, effective_date, updated_at
		FROM observations ORDER BY series, rowid
	`)
	if err != nil {
		return nil, err
	}
	defer observationRows.Close()
	for observationRows.Next() {
		var seriesID string
		var observation model.Observation
		var updatedAt string
		if err := observationRows.Scan(
			&seriesID,
			&observation.ID,
			&observation.CountryISO,
			&observation.Value,
			&observation.CurrencyCode,
			&observation.Period,
			&observation.Source,
			&observation.EffectiveDate,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		if observation.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		series, err := model.LookupSeries(model.SeriesID(seriesID))
		if err != nil {
			continue
		}
		snapshot.Series[series.ID] = append(snapshot.Series[series.ID], observation)
	}
	if err := observationRows.Err(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (p *Persister) migrate() error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS countries (
			id INTEGER NOT NULL,
			iso_code TEXT NOT NULL PRIMARY KEY,
			iso_code_3 TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT '',
			currency_code TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS observations (
			series TEXT NOT NULL,
			id INTEGER NOT NULL,
			country_iso TEXT NOT NULL,
			value REAL NOT NULL,
			currency_code TEXT NOT NULL DEFAULT '',
			period TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			effective_date TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (series, id)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshot_meta (
			id INTEGER NOT NULL PRIMARY KEY,
			saved_at TEXT NOT NULL
		);`,
	}

	for _, statement := range statements {
		if _, err := p.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: invalid timestamp %q: %w", value, err)
	}
	return parsed, nil
}

var _ store.Persister = (*Persister)(nil)
