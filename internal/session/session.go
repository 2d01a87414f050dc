// Package session manages the time-boxed attendance window for a lecture and
// the rotating QR tokens issued against it.
package session

import (
	"errors"
	"time"

	"campusattend/internal/geo"
)

var (
	// ErrNoActiveSession is returned when a session is missing, closed, or
	// outside its time window.
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidWindow is returned when closes-at precedes opens-at.
	ErrInvalidWindow = errors.New("session close must not precede open")
)

// FactorConfig holds the independent verification factor toggles for a
// session. Any subset is allowed, including none: a session with no factors
// accepts every submission, which is stated policy.
type FactorConfig struct {
	Geofence  bool `json:"geofence"`
	Face      bool `json:"face"`
	Biometric bool `json:"biometric"`
	StaticQR  bool `json:"static_qr"`
	DynamicQR bool `json:"dynamic_qr"`
}

// QR reports whether either QR variant is enabled.
func (f FactorConfig) QR() bool { return f.StaticQR || f.DynamicQR }

// None reports whether no factor is enabled.
func (f FactorConfig) None() bool {
	return !f.Geofence && !f.Face && !f.Biometric && !f.StaticQR && !f.DynamicQR
}

// Session is one scheduled attendance window for a teaching assignment.
type Session struct {
	ID           string       `json:"id"`
	AssignmentID string       `json:"assignment_id"`
	ClassID      string       `json:"class_id"`
	Room         string       `json:"room,omitempty"`
	OpensAt      time.Time    `json:"opens_at"`
	ClosesAt     time.Time    `json:"closes_at"`
	Active       bool         `json:"active"`
	Factors      FactorConfig `json:"factors"`
	Location     *geo.Point   `json:"location,omitempty"`
	RadiusMeters *float64     `json:"radius_meters,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LiveAt reports whether the session accepts submissions at the given
// instant. Window expiry is enforced here at read time; there is no
// background closer.
func (s *Session) LiveAt(now time.Time) bool {
	return s.Active && !now.Before(s.OpensAt) && !now.After(s.ClosesAt)
}

// ClassLocation is the configured geofence anchor for a class.
type ClassLocation struct {
	ClassID      string    `json:"class_id"`
	Point        geo.Point `json:"point"`
	RadiusMeters float64   `json:"radius_meters"`
}
