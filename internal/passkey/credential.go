// Package passkey handles platform-authenticator (WebAuthn) credentials and
// the assertion ceremony for the biometric verification factor.
package passkey

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Credential is one registered platform authenticator for a student. A
// student may hold several. SignCount is monotonically non-decreasing across
// successful authentications; a non-increasing counter is the replay signal.
type Credential struct {
	ID              string     `json:"id"`
	StudentID       string     `json:"student_id"`
	CredentialID    []byte     `json:"credential_id"`
	PublicKey       []byte     `json:"-"`
	AttestationType string     `json:"attestation_type"`
	SignCount       uint32     `json:"sign_count"`
	Active          bool       `json:"active"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CredentialStore is the persistence surface for credentials.
type CredentialStore interface {
	ForStudent(ctx context.Context, studentID string) ([]Credential, error)
	Insert(ctx context.Context, c *Credential) error
	UpdateSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) error
}

// CredentialRepository persists credentials in Postgres.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a repo.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// ForStudent returns the student's active credentials.
func (r *CredentialRepository) ForStudent(ctx context.Context, studentID string) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, credential_id, public_key, attestation_type, sign_count, active, last_used_at, created_at
		FROM passkey_credentials
		WHERE student_id = $1 AND active = TRUE
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.StudentID, &c.CredentialID, &c.PublicKey, &c.AttestationType, &c.SignCount, &c.Active, &c.LastUsedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// Insert writes a new credential.
func (r *CredentialRepository) Insert(ctx context.Context, c *Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO passkey_credentials (id, student_id, credential_id, public_key, attestation_type, sign_count, active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)
		RETURNING created_at
	`, c.ID, c.StudentID, c.CredentialID, c.PublicKey, c.AttestationType, c.SignCount)
	if err := row.Scan(&c.CreatedAt); err != nil {
		return err
	}
	c.Active = true
	return nil
}

// UpdateSignCount records a successful assertion: the new counter and the
// last-used timestamp, in one statement.
func (r *CredentialRepository) UpdateSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE passkey_credentials
		SET sign_count = $2, last_used_at = $3
		WHERE credential_id = $1
	`, credentialID, count, usedAt)
	return err
}
