package audit

import (
	"context"
	"time"

	"github.com/go-pg/pg/v10"
)

// Repository is the narrow Postgres surface the Writer and reaper use.
type Repository interface {
	Upsert(ctx context.Context, rec Record) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

var _ Repository = (*PGRepository)(nil)

type PGRepository struct {
	db *pg.DB
}

func NewPGRepository(db *pg.DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Upsert(ctx context.Context, rec Record) error {
	_, err := r.db.ModelContext(ctx, &rec).
		OnConflict("(request_id) DO UPDATE").
		Insert()
	return err
}

func (r *PGRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ModelContext(ctx, (*Record)(nil)).
		Where("recorded_at < ?", cutoff).
		Delete()
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
