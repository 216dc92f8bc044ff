package push

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/classcast/classcast/go/internal/models"
	"github.com/classcast/classcast/go/internal/sqlutil"
)

// Repository persists pushes and owns the multi-table transactions of the
// push lifecycle. A push's queue entries are created with it and removed
// with it; the in-memory registry never advances ahead of these writes.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreatePushWithEntries writes the push and one queue entry per targeted
// student in a single transaction.
func (r *Repository) CreatePushWithEntries(ctx context.Context, p models.Push, entries []models.QueueEntry) error {
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pushes (id, quiz_id, course_id, issued_by, timeout_seconds, started_at, target_student_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.QuizID, p.CourseID, p.IssuedBy, p.TimeoutSeconds, p.StartedAt,
			pq.Array(p.TargetStudentIDs))
		if err != nil {
			return err
		}

		for _, entry := range entries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO queue_entries (id, student_id, push_id, quiz_id, course_id, status, added_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				entry.ID, entry.StudentID, entry.PushID, entry.QuizID,
				entry.CourseID, entry.Status, entry.AddedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create push: %w", err)
	}
	return nil
}

// UndoPush deletes every queue entry and response of a push and stamps
// undone_at, all in one transaction.
func (r *Repository) UndoPush(ctx context.Context, pushID uuid.UUID, undoneAt time.Time) error {
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM responses WHERE push_id = $1`, pushID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM queue_entries WHERE push_id = $1`, pushID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pushes SET undone_at = $2 WHERE id = $1`, pushID, undoneAt); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to undo push: %w", err)
	}
	return nil
}
