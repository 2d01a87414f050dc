package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/attendance"
	"campusattend/internal/face"
	"campusattend/internal/geo"
	"campusattend/internal/passkey"
	"campusattend/internal/queue"
	"campusattend/internal/session"
)

// SessionSource resolves live sessions and their geofence anchors.
type SessionSource interface {
	Live(ctx context.Context, id string, now time.Time) (*session.Session, error)
	Geofence(ctx context.Context, sess *session.Session) (*session.ClassLocation, error)
}

// TokenChecker validates a rotating QR token for a session.
type TokenChecker interface {
	Validate(ctx context.Context, sessionID, value string, now time.Time) error
}

// EnrollmentSource reads a student's face enrollment.
type EnrollmentSource interface {
	Get(ctx context.Context, studentID string) (*face.Enrollment, error)
}

// AssertionVerifier runs the platform-authenticator ceremony.
type AssertionVerifier interface {
	VerifyAssertion(ctx context.Context, studentID string, assertion []byte) error
}

// AttemptStore persists attempt rows.
type AttemptStore interface {
	Insert(ctx context.Context, a *Attempt) error
}

// Recorder writes the unique attendance record.
type Recorder interface {
	EnsurePresent(ctx context.Context, sessionID, studentID, attemptID string, markedAt time.Time) (*attendance.Record, error)
}

// Service is the verification orchestrator.
type Service struct {
	sessions    SessionSource
	tokens      TokenChecker
	enrollments EnrollmentSource
	passkeys    AssertionVerifier
	attempts    AttemptStore
	recorder    Recorder
	events      queue.Queue
	threshold   float64
	now         func() time.Time
}

// NewService wires the orchestrator. events may be nil when no downstream
// consumer is configured.
func NewService(sessions SessionSource, tokens TokenChecker, enrollments EnrollmentSource,
	passkeys AssertionVerifier, attempts AttemptStore, recorder Recorder,
	events queue.Queue, threshold float64) *Service {
	if threshold <= 0 {
		threshold = face.DefaultMatchThreshold
	}
	return &Service{
		sessions:    sessions,
		tokens:      tokens,
		enrollments: enrollments,
		passkeys:    passkeys,
		attempts:    attempts,
		recorder:    recorder,
		events:      events,
		threshold:   threshold,
		now:         time.Now,
	}
}

// Submit evaluates an evidence bundle against the session's enabled factors.
// Every enabled factor is evaluated even after one fails, so the attempt row
// and the response carry the complete picture in one round trip. The one
// pre-condition failure, session.ErrNoActiveSession, aborts before any factor
// runs and writes no attempt row.
func (s *Service) Submit(ctx context.Context, ev Evidence) (*Result, error) {
	now := s.now().UTC()

	sess, err := s.sessions.Live(ctx, ev.SessionID, now)
	if err != nil {
		return nil, err
	}

	att := &Attempt{
		ID:        uuid.NewString(),
		SessionID: ev.SessionID,
		StudentID: ev.StudentID,
	}
	allPassed := true
	var reasons []FactorReason

	record := func(f Factor, ok bool, rs []FactorReason) {
		if !ok {
			allPassed = false
			factorFailuresTotal.WithLabelValues(string(f)).Inc()
		}
		reasons = append(reasons, rs...)
	}

	if sess.Factors.Face {
		ok, rs := s.evalFactor(FactorFace, func() (bool, []FactorReason) {
			return s.evalFace(ctx, ev, att)
		})
		att.FaceVerified = &ok
		record(FactorFace, ok, rs)
	}

	if sess.Factors.Biometric {
		ok, rs := s.evalFactor(FactorBiometric, func() (bool, []FactorReason) {
			return s.evalBiometric(ctx, ev)
		})
		att.BiometricVerified = &ok
		record(FactorBiometric, ok, rs)
	}

	if sess.Factors.Geofence {
		ok, rs := s.evalFactor(FactorGeofence, func() (bool, []FactorReason) {
			return s.evalGeofence(ctx, ev, sess, att)
		})
		att.LocationVerified = &ok
		record(FactorGeofence, ok, rs)
	}

	if sess.Factors.QR() {
		ok, rs := s.evalFactor(FactorQR, func() (bool, []FactorReason) {
			return s.evalToken(ctx, ev, now)
		})
		att.TokenVerified = &ok
		record(FactorQR, ok, rs)
	}

	// Vacuously true with zero enabled factors: stated policy, not a defect.
	if allPassed {
		att.Status = StatusSuccess
	} else {
		att.Status = StatusFailed
	}
	att.FailureReasons = Render(reasons)

	if err := s.attempts.Insert(ctx, att); err != nil {
		return nil, fmt.Errorf("persist attempt: %w", err)
	}
	attemptsTotal.WithLabelValues(att.Status).Inc()

	res := &Result{
		Success: allPassed,
		Reasons: reasons,
		Attempt: att,
	}
	if !allPassed {
		res.Message = att.FailureReasons
		return res, nil
	}

	rec, err := s.recorder.EnsurePresent(ctx, ev.SessionID, ev.StudentID, att.ID, now)
	if err != nil {
		return nil, fmt.Errorf("record attendance: %w", err)
	}
	if rec == nil {
		return nil, errors.New("record attendance: recorder returned no record")
	}
	res.AlreadyMarked = rec.AttemptID != att.ID
	if res.AlreadyMarked {
		res.Message = "Attendance already marked"
	} else {
		res.Message = "Attendance marked"
		s.publishMarked(ctx, rec)
	}
	return res, nil
}

// evalFactor runs one factor evaluation, converting a panic from a
// collaborator into that factor's failure so the remaining factors still run.
func (s *Service) evalFactor(f Factor, fn func() (bool, []FactorReason)) (ok bool, reasons []FactorReason) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("factor %s evaluation panicked: %v", f, r)
			ok = false
			reasons = []FactorReason{{Factor: f, Reason: string(f) + " check unavailable"}}
		}
	}()
	return fn()
}

func (s *Service) evalFace(ctx context.Context, ev Evidence, att *Attempt) (bool, []FactorReason) {
	var reasons []FactorReason

	enrollment, err := s.enrollments.Get(ctx, ev.StudentID)
	switch {
	case err != nil:
		log.Printf("enrollment lookup for %s failed: %v", ev.StudentID, err)
		reasons = append(reasons, FactorReason{FactorFace, "Face check unavailable"})
	case enrollment == nil || !enrollment.Enrolled || len(enrollment.Embedding) == 0:
		reasons = append(reasons, FactorReason{FactorFace, "Face not enrolled, please enroll first"})
	}

	if ev.Face == nil || len(ev.Face.Descriptor) == 0 {
		reasons = append(reasons, FactorReason{FactorFace, "Face sample missing"})
	} else {
		if enrollment != nil && enrollment.Enrolled && len(enrollment.Embedding) > 0 {
			dist, match := face.Match(enrollment.Embedding, ev.Face.Descriptor, s.threshold)
			if !math.IsInf(dist, 1) {
				// A rounded score is enough for the user to act on without
				// handing a spoofer the exact target.
				rounded := math.Round(dist*1000) / 1000
				att.FaceScore = &rounded
			}
			if !match {
				reasons = append(reasons, FactorReason{FactorFace, fmt.Sprintf("Face mismatch (Score: %.3f)", dist)})
			}
		}
		if !ev.Face.Live {
			reasons = append(reasons, FactorReason{FactorFace, "Liveness check failed"})
		}
	}

	return len(reasons) == 0, reasons
}

func (s *Service) evalBiometric(ctx context.Context, ev Evidence) (bool, []FactorReason) {
	if len(ev.Assertion) == 0 || string(ev.Assertion) == "null" {
		return false, []FactorReason{{FactorBiometric, "Biometric assertion missing"}}
	}
	err := s.passkeys.VerifyAssertion(ctx, ev.StudentID, []byte(ev.Assertion))
	if err == nil {
		return true, nil
	}
	var reason string
	switch {
	case errors.Is(err, passkey.ErrNotEnrolled):
		reason = "No passkey enrolled, please enroll first"
	case errors.Is(err, passkey.ErrCredentialNotFound):
		reason = "Passkey not recognized"
	case errors.Is(err, passkey.ErrCounterNotIncreased):
		reason = "Biometric verification failed (authenticator counter did not increase)"
	case errors.Is(err, passkey.ErrNoChallenge):
		reason = "Biometric challenge expired, request a new one"
	default:
		// Includes ceremony failures and an unreachable verifier; either way
		// this factor fails and the rest still run.
		log.Printf("assertion verification for %s: %v", ev.StudentID, err)
		reason = "Biometric verification failed"
	}
	return false, []FactorReason{{FactorBiometric, reason}}
}

func (s *Service) evalGeofence(ctx context.Context, ev Evidence, sess *session.Session, att *Attempt) (bool, []FactorReason) {
	if ev.Location == nil {
		return false, []FactorReason{{FactorGeofence, "Location not provided"}}
	}
	if !geo.Finite(*ev.Location) {
		return false, []FactorReason{{FactorGeofence, "Location invalid"}}
	}

	anchor, err := s.sessions.Geofence(ctx, sess)
	if err != nil {
		log.Printf("geofence lookup for session %s failed: %v", sess.ID, err)
		return false, []FactorReason{{FactorGeofence, "Location check unavailable"}}
	}
	if anchor == nil {
		return false, []FactorReason{{FactorGeofence, "Class location not configured"}}
	}

	dist := geo.Distance(ev.Location.Lat, ev.Location.Lon, anchor.Point.Lat, anchor.Point.Lon)
	rounded := math.Round(dist)
	att.DistanceMeters = &rounded
	if !geo.WithinRadius(dist, anchor.RadiusMeters) {
		return false, []FactorReason{{FactorGeofence,
			fmt.Sprintf("Out of location bounds: %.0fm away (max %.0fm)", dist, anchor.RadiusMeters)}}
	}
	return true, nil
}

func (s *Service) evalToken(ctx context.Context, ev Evidence, now time.Time) (bool, []FactorReason) {
	if ev.QRToken == "" {
		return false, []FactorReason{{FactorQR, "QR token missing"}}
	}
	err := s.tokens.Validate(ctx, ev.SessionID, ev.QRToken, now)
	if err == nil {
		return true, nil
	}
	var reason string
	switch {
	case errors.Is(err, session.ErrTokenExpired):
		reason = "QR token expired"
	case errors.Is(err, session.ErrTokenNotFound):
		reason = "Invalid QR token"
	default:
		log.Printf("token validation for session %s: %v", ev.SessionID, err)
		reason = "QR check unavailable"
	}
	return false, []FactorReason{{FactorQR, reason}}
}

// publishMarked fans the new record out to downstream consumers, best effort.
func (s *Service) publishMarked(ctx context.Context, rec *attendance.Record) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(queue.AttendanceMarked{
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		AttemptID: rec.AttemptID,
		MarkedAt:  rec.MarkedAt,
	})
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, queue.Message{Kind: "attendance.marked", Body: body}); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}
