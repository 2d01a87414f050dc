package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/geo"
)

// Store is the persistence surface the lifecycle service needs.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	FindActive(ctx context.Context, assignmentID string, now time.Time) (*Session, error)
	Insert(ctx context.Context, s *Session) error
	UpdateFactors(ctx context.Context, id string, f FactorConfig) error
	SetActive(ctx context.Context, id string, active bool) error
	ClassLocation(ctx context.Context, classID string) (*ClassLocation, error)
}

// Repository persists sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, assignment_id, class_id, room, opens_at, closes_at, active,
	factor_geofence, factor_face, factor_biometric, factor_static_qr, factor_dynamic_qr,
	override_lat, override_lon, radius_meters, created_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var lat, lon sql.NullFloat64
	var radius sql.NullFloat64
	err := row.Scan(&s.ID, &s.AssignmentID, &s.ClassID, &s.Room, &s.OpensAt, &s.ClosesAt, &s.Active,
		&s.Factors.Geofence, &s.Factors.Face, &s.Factors.Biometric, &s.Factors.StaticQR, &s.Factors.DynamicQR,
		&lat, &lon, &radius, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		s.Location = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	if radius.Valid {
		s.RadiusMeters = &radius.Float64
	}
	return &s, nil
}

// Get returns a session by id, or nil when none exists.
func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// FindActive returns the active session for a teaching assignment whose
// window contains now, or nil.
func (r *Repository) FindActive(ctx context.Context, assignmentID string, now time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE assignment_id = $1 AND active = TRUE AND opens_at <= $2 AND closes_at >= $2
		ORDER BY opens_at DESC
		LIMIT 1
	`, assignmentID, now)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// Insert writes a new session.
func (r *Repository) Insert(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	var lat, lon, radius interface{}
	if s.Location != nil {
		lat, lon = s.Location.Lat, s.Location.Lon
	}
	if s.RadiusMeters != nil {
		radius = *s.RadiusMeters
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, assignment_id, class_id, room, opens_at, closes_at, active,
			factor_geofence, factor_face, factor_biometric, factor_static_qr, factor_dynamic_qr,
			override_lat, override_lon, radius_meters)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at
	`, s.ID, s.AssignmentID, s.ClassID, s.Room, s.OpensAt, s.ClosesAt,
		s.Factors.Geofence, s.Factors.Face, s.Factors.Biometric, s.Factors.StaticQR, s.Factors.DynamicQR,
		lat, lon, radius)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return err
	}
	s.Active = true
	return nil
}

// UpdateFactors toggles the factor set on an existing session.
func (r *Repository) UpdateFactors(ctx context.Context, id string, f FactorConfig) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET factor_geofence = $2, factor_face = $3, factor_biometric = $4,
			factor_static_qr = $5, factor_dynamic_qr = $6, updated_at = NOW()
		WHERE id = $1
	`, id, f.Geofence, f.Face, f.Biometric, f.StaticQR, f.DynamicQR)
	return err
}

// SetActive flips the explicit active flag. Safe to repeat.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	return err
}

// ClassLocation returns the geofence anchor configured for a class, or nil
// when the class has none.
func (r *Repository) ClassLocation(ctx context.Context, classID string) (*ClassLocation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT class_id, lat, lon, radius_meters FROM class_locations WHERE class_id = $1
	`, classID)
	var loc ClassLocation
	if err := row.Scan(&loc.ClassID, &loc.Point.Lat, &loc.Point.Lon, &loc.RadiusMeters); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &loc, nil
}
