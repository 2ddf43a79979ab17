// Package sqlite provides a single-file ResultStore for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/pkg/race"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store persists race results in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.ResultStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := MemoryPath
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// serialises writers anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Health(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) UpsertIfAbsent(ctx context.Context, r *race.Result) (bool, error) {
	hashes, err := json.Marshal(r.CommitmentHashes)
	if err != nil {
		return false, fmt.Errorf("marshal commitment hashes: %w", err)
	}

	created := s.now()
	if r.Timestamp != nil {
		created = *r.Timestamp
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO race_results (
		   race_id, winner_address, winning_token_id, steps, commitment_hashes,
		   bet_size, block_number, tx_hash, log_index, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(race_id) DO NOTHING`,
		r.RaceID, r.WinnerAddress, r.WinningTokenID, r.Steps, string(hashes),
		nullString(r.BetSize), int64(r.BlockNumber), r.TxHash, int64(r.LogIndex), toMillis(created),
	)
	if err != nil {
		return false, fmt.Errorf("insert race %d: %w", r.RaceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) AddParticipation(ctx context.Context, p *race.Participation) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO race_participations (race_id, player_address, token_id, block_number, log_index)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(race_id, player_address, token_id) DO NOTHING`,
		p.RaceID, p.Player, p.TokenID, int64(p.BlockNumber), int64(p.LogIndex),
	)
	if err != nil {
		return false, fmt.Errorf("insert participation for race %d: %w", p.RaceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RecordMalformed(ctx context.Context, ev storage.MalformedEvent) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO malformed_events (tx_hash, log_index, block_number, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tx_hash, log_index) DO NOTHING`,
		ev.TxHash, int64(ev.LogIndex), int64(ev.BlockNumber), ev.Reason, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record malformed event: %w", err)
	}
	return nil
}

func (s *Store) FetchAll(ctx context.Context) ([]race.Result, error) {
	return s.FetchAfter(ctx, storage.NoRaceID)
}

func (s *Store) FetchAfter(ctx context.Context, raceID int64) ([]race.Result, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT race_id, winner_address, winning_token_id, steps, commitment_hashes,
		        bet_size, block_number, tx_hash, log_index, created_at
		   FROM race_results
		  WHERE race_id > ?
		  ORDER BY race_id`,
		raceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []race.Result
	for rows.Next() {
		var (
			r           race.Result
			hashes      string
			betSize     sql.NullString
			blockNumber int64
			logIndex    int64
			createdAt   int64
		)
		if err := rows.Scan(&r.RaceID, &r.WinnerAddress, &r.WinningTokenID, &r.Steps, &hashes,
			&betSize, &blockNumber, &r.TxHash, &logIndex, &createdAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(hashes), &r.CommitmentHashes); err != nil {
			return nil, fmt.Errorf("race %d commitment hashes: %w", r.RaceID, err)
		}
		if betSize.Valid {
			v := betSize.String
			r.BetSize = &v
		}
		r.BlockNumber = uint64(blockNumber)
		r.LogIndex = uint(logIndex)
		ts := fromMillis(createdAt)
		r.Timestamp = &ts
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	rows.Close()
	if len(results) == 0 {
		return results, nil
	}

	if err := s.attachParticipations(ctx, raceID, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) attachParticipations(ctx context.Context, after int64, results []race.Result) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT p.race_id, p.player_address, p.token_id, p.block_number, p.log_index
		   FROM race_participations p
		   JOIN race_results r ON r.race_id = p.race_id
		  WHERE p.race_id > ?
		  ORDER BY p.race_id, p.block_number, p.log_index, p.rowid`,
		after,
	)
	if err != nil {
		return fmt.Errorf("query participations: %w", err)
	}
	defer rows.Close()

	byRace := make(map[int64]int, len(results))
	for i := range results {
		byRace[results[i].RaceID] = i
	}

	for rows.Next() {
		var (
			p           race.Participation
			blockNumber int64
			logIndex    int64
		)
		if err := rows.Scan(&p.RaceID, &p.Player, &p.TokenID, &blockNumber, &logIndex); err != nil {
			return fmt.Errorf("scan participation: %w", err)
		}
		p.BlockNumber = uint64(blockNumber)
		p.LogIndex = uint(logIndex)
		if i, ok := byRace[p.RaceID]; ok {
			results[i].Participations = append(results[i].Participations, p)
		}
	}
	return rows.Err()
}

func (s *Store) MaxRaceID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(race_id), ?) FROM race_results`, storage.NoRaceID).Scan(&id); err != nil {
		return 0, fmt.Errorf("max race id: %w", err)
	}
	return id, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// applyMigrations executes each embedded migration file at most once.
func applyMigrations(sqlDB *sql.DB) error {
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied int
		if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, name, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}
