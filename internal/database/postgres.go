package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"pumpwatch/internal/model"
)

// PostgresRepository stores the event journal and the open trading state.
// Positions and pairs are kept as one JSONB row per id, overwritten on every save.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id SERIAL PRIMARY KEY,
	time TIMESTAMPTZ NOT NULL,
	kind VARCHAR(20) NOT NULL,
	exchange VARCHAR(50) NOT NULL,
	symbol VARCHAR(30) NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id VARCHAR(64) PRIMARY KEY,
	exchange VARCHAR(50) NOT NULL,
	symbol VARCHAR(30) NOT NULL,
	state VARCHAR(20) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS pairs (
	id VARCHAR(64) PRIMARY KEY,
	exchange VARCHAR(50) NOT NULL,
	symbol VARCHAR(30) NOT NULL,
	state VARCHAR(20) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);`

// Migrate creates the tables when they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// LogEvent appends an event to the journal.
func (r *PostgresRepository) LogEvent(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = r.Pool.Exec(ctx,
		`INSERT INTO events (time, kind, exchange, symbol, message, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Time, string(ev.Kind), ev.Exchange, ev.Symbol, ev.Message, payload,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// SavePosition upserts the latest state of a position.
func (r *PostgresRepository) SavePosition(ctx context.Context, pos model.Position) error {
	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `
		INSERT INTO positions (id, exchange, symbol, state, updated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload`,
		pos.ID, pos.Exchange, pos.Symbol, string(pos.State), pos.UpdatedAt, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.ID, err)
	}
	return nil
}

// LoadOpenPositions returns every position not yet closed or failed.
func (r *PostgresRepository) LoadOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT payload FROM positions WHERE state NOT IN ($1, $2) ORDER BY updated_at`,
		string(model.PositionClosed), string(model.PositionFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return collect[model.Position](rows)
}

// SavePair upserts the latest state of a resident order pair.
func (r *PostgresRepository) SavePair(ctx context.Context, pair model.ResidentOrderPair) error {
	payload, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encode pair: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `
		INSERT INTO pairs (id, exchange, symbol, state, updated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload`,
		pair.ID, pair.Exchange, pair.Symbol, string(pair.State), pair.UpdatedAt, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert pair %s: %w", pair.ID, err)
	}
	return nil
}

// LoadOpenPairs returns every pair that was not stopped.
func (r *PostgresRepository) LoadOpenPairs(ctx context.Context) ([]model.ResidentOrderPair, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT payload FROM pairs WHERE state <> $1 ORDER BY updated_at`,
		string(model.PairStopped),
	)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	return collect[model.ResidentOrderPair](rows)
}

func collect[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var v T
		var payload []byte
		if err := row.Scan(&payload); err != nil {
			return v, err
		}
		err := json.Unmarshal(payload, &v)
		return v, err
	})
}
