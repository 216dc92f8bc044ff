package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classcast/classcast/go/internal/models"
	"github.com/classcast/classcast/go/internal/sqlutil"
)

// Repository persists attendance sessions.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSession inserts a new non-ended session.
func (r *Repository) CreateSession(ctx context.Context, s models.AttendanceSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, student_id, course_id, status, started_at, last_status_at, active_tab_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.StudentID, s.CourseID, s.Status, s.StartedAt, s.LastStatusAt, s.ActiveTabID)
	if err != nil {
		return fmt.Errorf("failed to create attendance session: %w", err)
	}
	return nil
}

// ActiveSessionForStudent returns the student's single non-ended session,
// or nil.
func (r *Repository) ActiveSessionForStudent(ctx context.Context, studentID string) (*models.AttendanceSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, course_id, status, started_at, last_status_at, ended_at, active_tab_id
		FROM attendance_sessions
		WHERE student_id = $1 AND status != $2`,
		studentID, models.SessionStatusEnded)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &s, nil
}

// UpdateSession writes status, last_status_at and the authoritative tab id.
func (r *Repository) UpdateSession(ctx context.Context, id uuid.UUID, status models.SessionStatus, at time.Time, activeTabID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = $2, last_status_at = $3, active_tab_id = $4
		WHERE id = $1`,
		id, status, at, activeTabID)
	if err != nil {
		return fmt.Errorf("failed to update attendance session: %w", err)
	}
	return nil
}

// EndSession marks a session ended.
func (r *Repository) EndSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = $2, last_status_at = $3, ended_at = $3
		WHERE id = $1`,
		id, models.SessionStatusEnded, at)
	if err != nil {
		return fmt.Errorf("failed to end attendance session: %w", err)
	}
	return nil
}

// StudentsAttending lists the ids of students with a non-ended session for
// a course.
func (r *Repository) StudentsAttending(ctx context.Context, courseID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM attendance_sessions
		WHERE course_id = $1 AND status != $2
		ORDER BY started_at`,
		courseID, models.SessionStatusEnded)
	if err != nil {
		return nil, fmt.Errorf("failed to list attending students: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan attending student: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row *sql.Row) (models.AttendanceSession, error) {
	var s models.AttendanceSession
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.StudentID, &s.CourseID, &s.Status,
		&s.StartedAt, &s.LastStatusAt, &endedAt, &s.ActiveTabID)
	if err != nil {
		return models.AttendanceSession{}, err
	}
	s.EndedAt = sqlutil.FromSqlTime(endedAt)
	return s, nil
}
