package verify

import (
	"context"
	"database/sql"
	"time"
)

// Attempt statuses. FLAGGED is reserved for future anomaly detection and is
// never set by the current pipeline.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusFlagged = "FLAGGED"
)

// Attempt is the append-only audit row for one verification submission.
// Factor fields stay nil when the factor was not enabled on the session.
// Never mutated after insertion.
type Attempt struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	StudentID         string     `json:"student_id"`
	FaceVerified      *bool      `json:"face_verified,omitempty"`
	FaceScore         *float64   `json:"face_score,omitempty"`
	LocationVerified  *bool      `json:"location_verified,omitempty"`
	DistanceMeters    *float64   `json:"distance_meters,omitempty"`
	BiometricVerified *bool      `json:"biometric_verified,omitempty"`
	TokenVerified     *bool      `json:"token_verified,omitempty"`
	FailureReasons    string     `json:"failure_reasons,omitempty"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
}

// AttemptRepository persists attempts in Postgres.
type AttemptRepository struct {
	db *sql.DB
}

// NewAttemptRepository creates a repo.
func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Insert writes the attempt row. There is no update path.
func (r *AttemptRepository) Insert(ctx context.Context, a *Attempt) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO verification_attempts
			(id, session_id, student_id, face_verified, face_score,
			 location_verified, distance_meters, biometric_verified, token_verified,
			 failure_reasons, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at
	`, a.ID, a.SessionID, a.StudentID, a.FaceVerified, a.FaceScore,
		a.LocationVerified, a.DistanceMeters, a.BiometricVerified, a.TokenVerified,
		a.FailureReasons, a.Status)
	return row.Scan(&a.CreatedAt)
}

// ListForSession returns a session's attempts, newest first.
func (r *AttemptRepository) ListForSession(ctx context.Context, sessionID string, limit, offset int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, face_verified, face_score,
			location_verified, distance_meters, biometric_verified, token_verified,
			failure_reasons, status, created_at
		FROM verification_attempts
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.SessionID, &a.StudentID, &a.FaceVerified, &a.FaceScore,
			&a.LocationVerified, &a.DistanceMeters, &a.BiometricVerified, &a.TokenVerified,
			&a.FailureReasons, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
