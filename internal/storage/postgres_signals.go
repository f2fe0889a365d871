package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tutorwise/signals/internal/models"
)

// PostgresSignalRepo implements SignalRepo using PostgreSQL.
type PostgresSignalRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresSignalRepo(pool *pgxpool.Pool) *PostgresSignalRepo {
	return &PostgresSignalRepo{pool: pool}
}

func (r *PostgresSignalRepo) Save(ctx context.Context, s *models.SignalIdentifier) error {
	var ref *string
	if s.DistributionRef != "" {
		ref = &s.DistributionRef
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO signals (id, source_class, distribution_ref, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, string(s.SourceClass), ref, s.IssuedAt, s.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicateSignal
	}
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

func (r *PostgresSignalRepo) Get(ctx context.Context, id string) (*models.SignalIdentifier, error) {
	var s models.SignalIdentifier
	var sourceClass string
	var ref *string

	err := r.pool.QueryRow(ctx, `
		SELECT id, source_class, distribution_ref, issued_at, expires_at
		FROM signals WHERE id = $1
	`, id).Scan(&s.ID, &sourceClass, &ref, &s.IssuedAt, &s.ExpiresAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}

	s.SourceClass = models.SourceClass(sourceClass)
	if ref != nil {
		s.DistributionRef = *ref
	}
	return &s, nil
}
