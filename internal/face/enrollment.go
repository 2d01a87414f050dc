package face

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Enrollment is a student's stored face embedding. At most one active row per
// student. Enrolled=true implies a non-nil embedding.
type Enrollment struct {
	StudentID   string     `json:"student_id"`
	Embedding   Vector     `json:"-"`
	Enrolled    bool       `json:"enrolled"`
	Consent     bool       `json:"consent"`
	ConsentedAt *time.Time `json:"consented_at,omitempty"`
	EnrolledAt  *time.Time `json:"enrolled_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	SnapshotURL *string    `json:"snapshot_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Repository persists enrollments in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the enrollment for a student, or nil when none exists.
func (r *Repository) Get(ctx context.Context, studentID string) (*Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT student_id, embedding, enrolled, consent, consented_at, enrolled_at, deleted_at, snapshot_url, created_at
		FROM face_enrollments WHERE student_id = $1
	`, studentID)

	var e Enrollment
	var embedding []byte
	if err := row.Scan(&e.StudentID, &embedding, &e.Enrolled, &e.Consent, &e.ConsentedAt, &e.EnrolledAt, &e.DeletedAt, &e.SnapshotURL, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &e.Embedding); err != nil {
			return nil, fmt.Errorf("decode stored embedding for %s: %w", studentID, err)
		}
	}
	return &e, nil
}

// Upsert stores or replaces a student's embedding and marks them enrolled.
func (r *Repository) Upsert(ctx context.Context, studentID string, embedding Vector, consent bool, snapshotURL *string) error {
	if len(embedding) == 0 {
		return errors.New("embedding required")
	}
	raw, err := json.Marshal([]float64(embedding))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var consentedAt interface{}
	if consent {
		consentedAt = now
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO face_enrollments (student_id, embedding, enrolled, consent, consented_at, enrolled_at, snapshot_url)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6)
		ON CONFLICT (student_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			enrolled = TRUE,
			consent = EXCLUDED.consent,
			consented_at = COALESCE(EXCLUDED.consented_at, face_enrollments.consented_at),
			enrolled_at = EXCLUDED.enrolled_at,
			deleted_at = NULL,
			snapshot_url = COALESCE(EXCLUDED.snapshot_url, face_enrollments.snapshot_url),
			updated_at = NOW()
	`, studentID, raw, consent, consentedAt, now, snapshotURL)
	return err
}

// SoftDelete clears the embedding and enrollment flag but keeps the row with
// a deletion timestamp for audit.
func (r *Repository) SoftDelete(ctx context.Context, studentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE face_enrollments
		SET embedding = NULL, enrolled = FALSE, deleted_at = NOW(), updated_at = NOW()
		WHERE student_id = $1
	`, studentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("no enrollment to delete")
	}
	return nil
}
