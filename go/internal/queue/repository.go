package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/classcast/classcast/go/internal/models"
	"github.com/classcast/classcast/go/internal/sqlutil"
)

// ErrDuplicateResponse surfaces the unique constraint on
// responses(push_id, student_id). It is the real guard against two
// simultaneous answers for the same push and student.
var ErrDuplicateResponse = errors.New("duplicate response")

const pqUniqueViolation = "23505"

// Repository persists queue entries and responses.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ActiveEntries returns a student's viewing and pending entries for a course,
// oldest first.
func (r *Repository) ActiveEntries(ctx context.Context, studentID, courseID string) ([]models.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, push_id, quiz_id, course_id, status, added_at, first_viewed_at
		FROM queue_entries
		WHERE student_id = $1 AND course_id = $2 AND status IN ($3, $4)
		ORDER BY added_at`,
		studentID, courseID, models.EntryStatusViewing, models.EntryStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EntryFor returns the entry linking a student to a push, or nil.
func (r *Repository) EntryFor(ctx context.Context, studentID string, pushID uuid.UUID) (*models.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, push_id, quiz_id, course_id, status, added_at, first_viewed_at
		FROM queue_entries
		WHERE student_id = $1 AND push_id = $2`,
		studentID, pushID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Promote transitions an entry to viewing. first_viewed_at is stamped only
// when unset so a recompute can never restart the countdown.
func (r *Repository) Promote(ctx context.Context, id uuid.UUID, viewedAt time.Time) (*models.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET status = $2, first_viewed_at = COALESCE(first_viewed_at, $3)
		WHERE id = $1
		RETURNING id, student_id, push_id, quiz_id, course_id, status, added_at, first_viewed_at`,
		id, models.EntryStatusViewing, viewedAt)

	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to promote entry: %w", err)
	}
	return &entry, nil
}

// SetStatus moves an entry to a new lifecycle state.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status models.EntryStatus) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = $2 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("failed to update entry status: %w", err)
	}
	return nil
}

// InsertResponse writes a response row, translating the unique-violation
// error into ErrDuplicateResponse.
func (r *Repository) InsertResponse(ctx context.Context, resp models.Response) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO responses (id, push_id, quiz_id, student_id, answer, started_at, answered_at, elapsed_ms, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		resp.ID, resp.PushID, resp.QuizID, resp.StudentID, resp.Answer,
		resp.StartedAt, resp.AnsweredAt, resp.ElapsedMs, resp.Status)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateResponse
		}
		return fmt.Errorf("failed to insert response: %w", err)
	}
	return nil
}

// RemoveOrphans marks every non-terminal entry of a deleted quiz removed and
// reports how many were affected.
func (r *Repository) RemoveOrphans(ctx context.Context, quizID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = $2
		WHERE quiz_id = $1 AND status IN ($3, $4)`,
		quizID, models.EntryStatusRemoved, models.EntryStatusPending, models.EntryStatusViewing)
	if err != nil {
		return 0, fmt.Errorf("failed to remove orphans: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var firstViewed sql.NullTime
	err := row.Scan(&entry.ID, &entry.StudentID, &entry.PushID, &entry.QuizID,
		&entry.CourseID, &entry.Status, &entry.AddedAt, &firstViewed)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.FirstViewedAt = sqlutil.FromSqlTime(firstViewed)
	return entry, nil
}
