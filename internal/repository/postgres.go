package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sales-assistant/internal/domain"
)

const uniqueViolation = "23505"

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS actors (
	id         TEXT PRIMARY KEY,
	address    TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	state      JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS actors_role_idx ON actors (role);

CREATE TABLE IF NOT EXISTS once_markers (
	key       TEXT PRIMARY KEY,
	marked_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	key        TEXT PRIMARY KEY,
	count      INTEGER NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// OpenPostgres opens a pool through the pgx database/sql driver and checks it.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping db: %w", err)
	}
	return db, nil
}

// PostgresStore keeps state documents in a JSONB column. Patches are applied
// server-side so keys outside the patch are never rewritten.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

const actorColumns = `id, address, name, role, state`

func (s *PostgresStore) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = $1`, id)
	actor, err := scanActor(row)
	if err != nil {
		return domain.Actor{}, wrapLookup("GetActor", err)
	}
	return actor, nil
}

func (s *PostgresStore) FindActorByAddress(ctx context.Context, address string) (domain.Actor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE address = $1`, address)
	actor, err := scanActor(row)
	if err != nil {
		return domain.Actor{}, wrapLookup("FindActorByAddress", err)
	}
	return actor, nil
}

func (s *PostgresStore) ListActorsByRole(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE role = $1 ORDER BY id`, string(role))
	if err != nil {
		return nil, fmt.Errorf("repository: ListActorsByRole: %w", err)
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		actor, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: ListActorsByRole scan: %w", err)
		}
		actors = append(actors, actor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListActorsByRole rows: %w", err)
	}
	return actors, nil
}

func (s *PostgresStore) CreateActor(ctx context.Context, actor domain.Actor) (domain.Actor, error) {
	actor, err := prepareActor(actor)
	if err != nil {
		return domain.Actor{}, err
	}
	state, err := json.Marshal(actor.State)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("repository: CreateActor encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actors (id, address, name, role, state)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, actor.ID, actor.Address, actor.Name, string(actor.Role), string(state))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Actor{}, fmt.Errorf("repository: CreateActor %s: %w", actor.Address, ErrConflict)
		}
		return domain.Actor{}, fmt.Errorf("repository: CreateActor: %w", err)
	}
	return actor, nil
}

// UpdateState removes the deleted keys and merges the set keys in a single
// statement: state = (state - deletes) || sets.
func (s *PostgresStore) UpdateState(ctx context.Context, id string, patch *domain.Patch) error {
	if err := patch.Err(); err != nil {
		return fmt.Errorf("repository: UpdateState: %w", err)
	}
	if patch.Empty() {
		return nil
	}
	sets, err := json.Marshal(patch.Sets())
	if err != nil {
		return fmt.Errorf("repository: UpdateState encode: %w", err)
	}
	deletes := patch.Deletes()
	if deletes == nil {
		deletes = []string{}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE actors
		SET state = (state - $2::text[]) || $3::jsonb, updated_at = NOW()
		WHERE id = $1
	`, id, deletes, string(sets))
	if err != nil {
		return fmt.Errorf("repository: UpdateState: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: UpdateState rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMarker(ctx context.Context, key string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT marked_at FROM once_markers WHERE key = $1`, key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("repository: GetMarker: %w", err)
	}
	return at.UTC(), true, nil
}

// PutMarkerIfAbsent relies on the primary key: the losing insert affects no
// rows.
func (s *PostgresStore) PutMarkerIfAbsent(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO once_markers (key, marked_at) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, at.UTC())
	if err != nil {
		return false, fmt.Errorf("repository: PutMarkerIfAbsent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: PutMarkerIfAbsent rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) GetCounter(ctx context.Context, key string) (Counter, bool, error) {
	var c Counter
	err := s.db.QueryRowContext(ctx, `SELECT count, expires_at FROM counters WHERE key = $1`, key).Scan(&c.Count, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("repository: GetCounter: %w", err)
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	return c, true, nil
}

func (s *PostgresStore) PutCounter(ctx context.Context, key string, c Counter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (key, count, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET count = EXCLUDED.count, expires_at = EXCLUDED.expires_at
	`, key, c.Count, c.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("repository: PutCounter: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (domain.Actor, error) {
	var (
		actor domain.Actor
		role  string
		state []byte
	)
	if err := row.Scan(&actor.ID, &actor.Address, &actor.Name, &role, &state); err != nil {
		return domain.Actor{}, err
	}
	actor.Role = domain.Role(role)
	actor.State = domain.StateDocument{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &actor.State); err != nil {
			return domain.Actor{}, fmt.Errorf("decode state: %w", err)
		}
	}
	return actor, nil
}

func wrapLookup(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
