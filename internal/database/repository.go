package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vidrelay/vidrelay/pkg/models"
)

// Repository provides database operations for the publish audit log.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreatePublishRecord inserts a new publish record in pending state.
func (r *Repository) CreatePublishRecord(ctx context.Context, rec *models.PublishRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = models.PublishStatusPending
	}

	query := `
		INSERT INTO publish_records (id, user_id, email, source, source_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		rec.ID, rec.UserID, rec.Email, rec.Source, rec.SourceRef, rec.Status,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create publish record: %w", err)
	}

	return nil
}

// FinishPublishRecord moves a record to its terminal state.
func (r *Repository) FinishPublishRecord(ctx context.Context, id, status, videoID, errMsg string) error {
	query := `
		UPDATE publish_records
		SET status = $2, video_id = $3, error = $4, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, id, status, videoID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish publish record: %w", err)
	}

	return nil
}

// GetPublishRecord retrieves a publish record by ID
func (r *Repository) GetPublishRecord(ctx context.Context, id string) (*models.PublishRecord, error) {
	var rec models.PublishRecord

	query := `
		SELECT id, user_id, email, source, source_ref, status, video_id, error, created_at, updated_at
		FROM publish_records
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.UserID, &rec.Email, &rec.Source, &rec.SourceRef,
		&rec.Status, &rec.VideoID, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("publish record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publish record: %w", err)
	}

	return &rec, nil
}

// ListPublishRecords retrieves publish records for an email with pagination,
// newest first.
func (r *Repository) ListPublishRecords(ctx context.Context, email string, limit, offset int) ([]*models.PublishRecord, error) {
	query := `
		SELECT id, user_id, email, source, source_ref, status, video_id, error, created_at, updated_at
		FROM publish_records
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, email, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list publish records: %w", err)
	}
	defer rows.Close()

	var records []*models.PublishRecord
	for rows.Next() {
		var rec models.PublishRecord
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Email, &rec.Source, &rec.SourceRef,
			&rec.Status, &rec.VideoID, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan publish record: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate publish records: %w", err)
	}

	return records, nil
}
