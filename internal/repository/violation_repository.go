package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartcampus/proctor/internal/model"
)

// ViolationRepository handles persisted violation records.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// ListByAttempt retrieves the violation history of an attempt, oldest first.
func (r *ViolationRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ViolationRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, violation_type, details, should_cancel, recorded_at
		 FROM attempt_violations
		 WHERE attempt_id = $1
		 ORDER BY recorded_at`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ViolationRecord
	for rows.Next() {
		var v model.ViolationRecord
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.ViolationType, &v.Details, &v.ShouldCancel, &v.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, v)
	}
	return records, rows.Err()
}
