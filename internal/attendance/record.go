// Package attendance owns the authoritative attendance record: one row per
// (session, student), however many verification attempts preceded it.
package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record statuses. The verification pipeline only writes PRESENT; other flows
// (teacher QR scan, manual marking) write their own statuses through the same
// uniqueness constraint.
const (
	StatusPresent  = "PRESENT"
	StatusAbsent   = "ABSENT"
	StatusLate     = "LATE"
	StatusExcused  = "EXCUSED"
	StatusRejected = "REJECTED"
)

// Record is the authoritative "this student was present" fact.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	Status    string    `json:"status"`
	MarkedAt  time.Time `json:"marked_at"`
	AttemptID string    `json:"attempt_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsurePresent creates the PRESENT record for (session, student) or returns
// the existing one. The unique constraint makes concurrent duplicate
// submissions converge to exactly one row; losing the insert race is success,
// not an error.
func (r *Repository) EnsurePresent(ctx context.Context, sessionID, studentID, attemptID string, markedAt time.Time) (*Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Status:    StatusPresent,
		MarkedAt:  markedAt,
		AttemptID: attemptID,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, marked_at, attempt_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.MarkedAt, rec.AttemptID)
	err := row.Scan(&rec.CreatedAt)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	// Conflict path: someone else already marked this pair.
	existing, err := r.Get(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.New("attendance record gone after insert conflict")
	}
	return existing, nil
}

// Get returns the record for (session, student), or nil.
func (r *Repository) Get(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, status, marked_at, attempt_id, created_at
		FROM attendance_records WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.MarkedAt, &rec.AttemptID, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListForSession returns a session's records, newest first.
func (r *Repository) ListForSession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, status, marked_at, attempt_id, created_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.MarkedAt, &rec.AttemptID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
