package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/racefeed/pkg/race"
)

// ResultRepository is the PostgreSQL ResultStore.
type ResultRepository struct {
	db *DB
}

var _ ResultStore = (*ResultRepository)(nil)

func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

func (r *ResultRepository) UpsertIfAbsent(ctx context.Context, res *race.Result) (bool, error) {
	sql := `
		INSERT INTO race_results (
			race_id, winner_address, winning_token_id, steps, commitment_hashes,
			bet_size, block_number, tx_hash, log_index, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, COALESCE($10::timestamptz, NOW()))
		ON CONFLICT (race_id) DO NOTHING
	`
	tag, err := r.db.pool.Exec(ctx, sql,
		res.RaceID,
		res.WinnerAddress,
		res.WinningTokenID,
		res.Steps,
		res.CommitmentHashes,
		res.BetSize,
		int64(res.BlockNumber),
		res.TxHash,
		int64(res.LogIndex),
		res.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert race %d: %w", res.RaceID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ResultRepository) AddParticipation(ctx context.Context, p *race.Participation) (bool, error) {
	sql := `
		INSERT INTO race_participations (race_id, player_address, token_id, block_number, log_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (race_id, player_address, token_id) DO NOTHING
	`
	tag, err := r.db.pool.Exec(ctx, sql, p.RaceID, p.Player, p.TokenID, int64(p.BlockNumber), int64(p.LogIndex))
	if err != nil {
		return false, fmt.Errorf("insert participation for race %d: %w", p.RaceID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ResultRepository) RecordMalformed(ctx context.Context, ev MalformedEvent) error {
	sql := `
		INSERT INTO malformed_events (tx_hash, log_index, block_number, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`
	if _, err := r.db.pool.Exec(ctx, sql, ev.TxHash, int64(ev.LogIndex), int64(ev.BlockNumber), ev.Reason); err != nil {
		return fmt.Errorf("record malformed event: %w", err)
	}
	return nil
}

const selectResults = `
	SELECT r.race_id, r.winner_address, r.winning_token_id, r.steps, r.commitment_hashes,
		r.bet_size::text, r.block_number, r.tx_hash, r.log_index, r.created_at,
		(SELECT json_agg(json_build_object('player', p.player_address, 'token_id', p.token_id)
				ORDER BY p.block_number, p.log_index, p.created_at)
			FROM race_participations p WHERE p.race_id = r.race_id)
	FROM race_results r
`

func (r *ResultRepository) FetchAll(ctx context.Context) ([]race.Result, error) {
	return r.query(ctx, selectResults+` ORDER BY r.race_id`)
}

func (r *ResultRepository) FetchAfter(ctx context.Context, raceID int64) ([]race.Result, error) {
	return r.query(ctx, selectResults+` WHERE r.race_id > $1 ORDER BY r.race_id`, raceID)
}

func (r *ResultRepository) MaxRaceID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx, `SELECT COALESCE(MAX(race_id), $1) FROM race_results`, NoRaceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max race id: %w", err)
	}
	return id, nil
}

func (r *ResultRepository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

func (r *ResultRepository) Close() error {
	r.db.Close()
	return nil
}

func (r *ResultRepository) query(ctx context.Context, sql string, args ...any) ([]race.Result, error) {
	rows, err := r.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []race.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

func scanResult(rows pgx.Rows) (race.Result, error) {
	var (
		res          race.Result
		blockNumber  int64
		logIndex     int64
		createdAt    time.Time
		participants []byte
	)
	err := rows.Scan(
		&res.RaceID,
		&res.WinnerAddress,
		&res.WinningTokenID,
		&res.Steps,
		&res.CommitmentHashes,
		&res.BetSize,
		&blockNumber,
		&res.TxHash,
		&logIndex,
		&createdAt,
		&participants,
	)
	if err != nil {
		return race.Result{}, fmt.Errorf("scan result: %w", err)
	}

	res.BlockNumber = uint64(blockNumber)
	res.LogIndex = uint(logIndex)
	ts := createdAt.UTC()
	res.Timestamp = &ts

	if res.Participations, err = DecodeParticipations(res.RaceID, participants); err != nil {
		return race.Result{}, err
	}
	return res, nil
}

// DecodeParticipations parses an aggregated JSON participation list. A null
// or empty list yields nil.
func DecodeParticipations(raceID int64, raw []byte) ([]race.Participation, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "[]" {
		return nil, nil
	}
	var ps []race.Participation
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("decode participations for race %d: %w", raceID, err)
	}
	for i := range ps {
		ps[i].RaceID = raceID
	}
	return ps, nil
}
