package location

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/pssim/internal/platform/identity"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgStore struct {
	db querier
}

// NewPGStore persists locations in the record_location table. db is usually
// a *pgxpool.Pool.
func NewPGStore(db querier) Store {
	return &pgStore{db: db}
}

func (s *pgStore) Save(ctx context.Context, id identity.InsurantID, loc Location) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO record_location (insurant_id, location, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (insurant_id) DO UPDATE
		SET location = EXCLUDED.location, updated_at = EXCLUDED.updated_at`,
		string(id), string(loc))
	if err != nil {
		return fmt.Errorf("save record location: %w", err)
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, id identity.InsurantID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM record_location WHERE insurant_id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete record location: %w", err)
	}
	return nil
}

func (s *pgStore) LoadAll(ctx context.Context) (map[identity.InsurantID]Location, error) {
	rows, err := s.db.Query(ctx, `SELECT insurant_id, location FROM record_location`)
	if err != nil {
		return nil, fmt.Errorf("query record locations: %w", err)
	}
	defer rows.Close()

	out := make(map[identity.InsurantID]Location)
	for rows.Next() {
		var id, loc string
		if err := rows.Scan(&id, &loc); err != nil {
			return nil, fmt.Errorf("scan record location: %w", err)
		}
		out[identity.InsurantID(id)] = Location(loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record locations: %w", err)
	}
	return out, nil
}
