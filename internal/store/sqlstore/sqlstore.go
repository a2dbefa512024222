// Package sqlstore implements store.Store on database/sql, for the embedded
// sqlite driver and for postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"coachcal/internal/model"
	"coachcal/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const trainingColumns = `doc_id, team_id, uid, title, summary, description, location,
	start_utc, end_utc, tzid, source, deep_link, players, created_at, updated_at`

type Store struct {
	db       *sql.DB
	postgres bool
}

var _ store.Store = (*Store)(nil)

// Open connects to the database, verifies the connection and creates the
// schema if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlstore: empty DSN")
	}
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent upserts.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	// Fail fast at startup
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, postgres: driver == DriverPostgres}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			time_zone TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS trainings (
			team_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			uid TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL,
			description TEXT,
			location TEXT,
			start_utc BIGINT NOT NULL,
			end_utc BIGINT NOT NULL,
			tzid TEXT NOT NULL,
			source TEXT NOT NULL,
			deep_link TEXT NOT NULL DEFAULT '',
			players TEXT NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (team_id, doc_id)
		)`,
		`CREATE INDEX IF NOT EXISTS trainings_team_source_start
			ON trainings (team_id, source, start_utc)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Get(ctx context.Context, teamID, docID string) (model.Training, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+trainingColumns+`
		FROM trainings WHERE team_id = ? AND doc_id = ?`), teamID, docID)
	t, err := scanTraining(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Training{}, store.ErrNotFound
	}
	return t, err
}

func (s *Store) Create(ctx context.Context, t model.Training) error {
	players := t.Players
	if players == nil {
		players = []string{}
	}
	playersJSON, err := json.Marshal(players)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO trainings (`+trainingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (team_id, doc_id) DO NOTHING`),
		t.DocID, t.TeamID, t.UID, t.Title, t.Summary, nullString(t.Description), nullString(t.Location),
		t.StartUTC.UnixMilli(), t.EndUTC.UnixMilli(), t.TZID, t.Source, t.DeepLink,
		string(playersJSON), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrExists
	}
	return nil
}

// Merge issues a column-level UPDATE; players and created_at are never part
// of the statement, so a concurrent AddPlayer is not clobbered.
func (s *Store) Merge(ctx context.Context, teamID, docID string, f store.Fields) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE trainings SET
			uid = ?, title = ?, summary = ?, description = ?, location = ?,
			start_utc = ?, end_utc = ?, tzid = ?, team_id = ?, source = ?,
			deep_link = ?, updated_at = ?
		WHERE team_id = ? AND doc_id = ?`),
		f.UID, f.Title, f.Summary, nullString(f.Description), nullString(f.Location),
		f.StartUTC.UnixMilli(), f.EndUTC.UnixMilli(), f.TZID, f.TeamID, f.Source,
		f.DeepLink, f.UpdatedAt.UnixMilli(),
		teamID, docID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, teamID, docID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM trainings WHERE team_id = ? AND doc_id = ?`), teamID, docID)
	return err
}

func (s *Store) ListImportedBefore(ctx context.Context, teamID, source string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT doc_id FROM trainings
		WHERE team_id = ? AND source = ? AND start_utc < ?
		ORDER BY start_utc, doc_id`), teamID, source, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) List(ctx context.Context, teamID string, from, to time.Time) ([]model.Training, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+trainingColumns+`
		FROM trainings
		WHERE team_id = ? AND start_utc >= ? AND start_utc < ?
		ORDER BY start_utc, doc_id`), teamID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Training, 0)
	for rows.Next() {
		t, err := scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) TeamTimeZone(ctx context.Context, teamID string) (string, error) {
	var tz string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT time_zone FROM teams WHERE id = ?`), teamID).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tz, err
}

func (s *Store) UpsertTeam(ctx context.Context, teamID, timeZone string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO teams (id, time_zone) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET time_zone = excluded.time_zone`), teamID, timeZone)
	return err
}

// AddPlayer appends player to a training's roster inside a transaction that
// only writes the players column.
func (s *Store) AddPlayer(ctx context.Context, teamID, docID, player string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := `SELECT players FROM trainings WHERE team_id = ? AND doc_id = ?`
	if s.postgres {
		q += ` FOR UPDATE`
	}
	var raw string
	if err := tx.QueryRowContext(ctx, s.rebind(q), teamID, docID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	var players []string
	if err := json.Unmarshal([]byte(raw), &players); err != nil {
		return fmt.Errorf("decode players of %s: %w", docID, err)
	}
	for _, p := range players {
		if p == player {
			return tx.Commit()
		}
	}
	players = append(players, player)
	encoded, err := json.Marshal(players)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE trainings SET players = ? WHERE team_id = ? AND doc_id = ?`),
		string(encoded), teamID, docID); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTraining(row scanner) (model.Training, error) {
	var (
		t                     model.Training
		description, location sql.NullString
		startMs, endMs        int64
		createdMs, updatedMs  int64
		playersJSON           string
	)
	err := row.Scan(&t.DocID, &t.TeamID, &t.UID, &t.Title, &t.Summary, &description, &location,
		&startMs, &endMs, &t.TZID, &t.Source, &t.DeepLink, &playersJSON, &createdMs, &updatedMs)
	if err != nil {
		return model.Training{}, err
	}
	if description.Valid {
		t.Description = &description.String
	}
	if location.Valid {
		t.Location = &location.String
	}
	t.StartUTC = time.UnixMilli(startMs).UTC()
	t.EndUTC = time.UnixMilli(endMs).UTC()
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	t.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	t.Players = []string{}
	if playersJSON != "" {
		if err := json.Unmarshal([]byte(playersJSON), &t.Players); err != nil {
			return model.Training{}, fmt.Errorf("decode players of %s: %w", t.DocID, err)
		}
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
