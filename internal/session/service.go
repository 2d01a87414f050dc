package session

import (
	"context"
	"time"

	"campusattend/internal/geo"
)

// StartParams describes the lecture window a teacher is opening.
type StartParams struct {
	AssignmentID string
	ClassID      string
	Room         string
	OpensAt      time.Time
	ClosesAt     time.Time
	Factors      FactorConfig
	Location     *geo.Point
	RadiusMeters *float64
}

// Service is the session lifecycle manager.
type Service struct {
	store         Store
	defaultRadius float64
}

// NewService creates a service backed by a store. defaultRadius is the
// geofence radius in meters applied when neither the session nor the class
// location carries one; values <= 0 fall back to geo.DefaultRadiusMeters.
func NewService(store Store, defaultRadius float64) *Service {
	if defaultRadius <= 0 {
		defaultRadius = geo.DefaultRadiusMeters
	}
	return &Service{store: store, defaultRadius: defaultRadius}
}

// StartOrReuse returns the active session for the assignment whose window
// contains now, applying any factor changes the caller supplies, or creates
// a new one. One lecture never gets two sessions. The second return value is
// true when a session was created.
func (s *Service) StartOrReuse(ctx context.Context, p StartParams, now time.Time) (*Session, bool, error) {
	if p.ClosesAt.Before(p.OpensAt) {
		return nil, false, ErrInvalidWindow
	}

	existing, err := s.store.FindActive(ctx, p.AssignmentID, now)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Factors != p.Factors {
			if err := s.store.UpdateFactors(ctx, existing.ID, p.Factors); err != nil {
				return nil, false, err
			}
			existing.Factors = p.Factors
		}
		return existing, false, nil
	}

	created := &Session{
		AssignmentID: p.AssignmentID,
		ClassID:      p.ClassID,
		Room:         p.Room,
		OpensAt:      p.OpensAt,
		ClosesAt:     p.ClosesAt,
		Factors:      p.Factors,
		Location:     p.Location,
		RadiusMeters: p.RadiusMeters,
	}
	if err := s.store.Insert(ctx, created); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Live returns the session when it accepts submissions at now, otherwise
// ErrNoActiveSession.
func (s *Service) Live(ctx context.Context, id string, now time.Time) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.LiveAt(now) {
		return nil, ErrNoActiveSession
	}
	return sess, nil
}

// ActiveForAssignment returns the live session for a teaching assignment, or
// ErrNoActiveSession.
func (s *Service) ActiveForAssignment(ctx context.Context, assignmentID string, now time.Time) (*Session, error) {
	sess, err := s.store.FindActive(ctx, assignmentID, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoActiveSession
	}
	return sess, nil
}

// Close marks a session inactive. Idempotent.
func (s *Service) Close(ctx context.Context, id string) error {
	return s.store.SetActive(ctx, id, false)
}

// Geofence resolves the geofence anchor for a session: the session's own
// override wins, otherwise the class location. Returns nil when neither is
// configured.
func (s *Service) Geofence(ctx context.Context, sess *Session) (*ClassLocation, error) {
	if sess.Location != nil {
		radius := s.defaultRadius
		if sess.RadiusMeters != nil && *sess.RadiusMeters > 0 {
			radius = *sess.RadiusMeters
		}
		return &ClassLocation{ClassID: sess.ClassID, Point: *sess.Location, RadiusMeters: radius}, nil
	}
	loc, err := s.store.ClassLocation(ctx, sess.ClassID)
	if err != nil || loc == nil {
		return loc, err
	}
	if loc.RadiusMeters <= 0 {
		loc.RadiusMeters = s.defaultRadius
	}
	return loc, nil
}
