package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"campusattend/internal/attendance"
	"campusattend/internal/face"
	"campusattend/internal/geo"
	"campusattend/internal/passkey"
	"campusattend/internal/session"
)

// ── fakes ──

type fakeSessions struct {
	sess   *session.Session
	anchor *session.ClassLocation
	geoErr error
}

func (f *fakeSessions) Live(_ context.Context, id string, now time.Time) (*session.Session, error) {
	if f.sess == nil || f.sess.ID != id || !f.sess.LiveAt(now) {
		return nil, session.ErrNoActiveSession
	}
	return f.sess, nil
}

func (f *fakeSessions) Geofence(context.Context, *session.Session) (*session.ClassLocation, error) {
	return f.anchor, f.geoErr
}

type fakeTokens struct {
	err   error
	panic bool
}

func (f *fakeTokens) Validate(context.Context, string, string, time.Time) error {
	if f.panic {
		panic("token store gone")
	}
	return f.err
}

type fakeEnrollments struct {
	e   *face.Enrollment
	err error
}

func (f *fakeEnrollments) Get(context.Context, string) (*face.Enrollment, error) {
	return f.e, f.err
}

type fakePasskeys struct{ err error }

func (f *fakePasskeys) VerifyAssertion(context.Context, string, []byte) error { return f.err }

type fakeAttempts struct {
	inserted []*Attempt
	err      error
}

func (f *fakeAttempts) Insert(_ context.Context, a *Attempt) error {
	if f.err != nil {
		return f.err
	}
	a.CreatedAt = time.Now()
	f.inserted = append(f.inserted, a)
	return nil
}

type fakeRecorder struct {
	records map[string]*attendance.Record
	vanish  bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{records: make(map[string]*attendance.Record)}
}

func (f *fakeRecorder) EnsurePresent(_ context.Context, sessionID, studentID, attemptID string, markedAt time.Time) (*attendance.Record, error) {
	if f.vanish {
		return nil, nil
	}
	key := sessionID + "|" + studentID
	if existing, ok := f.records[key]; ok {
		return existing, nil
	}
	rec := &attendance.Record{
		ID:        key,
		SessionID: sessionID,
		StudentID: studentID,
		Status:    attendance.StatusPresent,
		MarkedAt:  markedAt,
		AttemptID: attemptID,
	}
	f.records[key] = rec
	return rec, nil
}

// ── helpers ──

type deps struct {
	sessions    *fakeSessions
	tokens      *fakeTokens
	enrollments *fakeEnrollments
	passkeys    *fakePasskeys
	attempts    *fakeAttempts
	recorder    *fakeRecorder
}

func liveSession(factors session.FactorConfig) *session.Session {
	now := time.Now()
	return &session.Session{
		ID:           "s1",
		AssignmentID: "ta-1",
		ClassID:      "class-1",
		Active:       true,
		OpensAt:      now.Add(-10 * time.Minute),
		ClosesAt:     now.Add(50 * time.Minute),
		Factors:      factors,
	}
}

func newTestService(factors session.FactorConfig) (*Service, *deps) {
	d := &deps{
		sessions:    &fakeSessions{sess: liveSession(factors)},
		tokens:      &fakeTokens{},
		enrollments: &fakeEnrollments{},
		passkeys:    &fakePasskeys{},
		attempts:    &fakeAttempts{},
		recorder:    newFakeRecorder(),
	}
	svc := NewService(d.sessions, d.tokens, d.enrollments, d.passkeys, d.attempts, d.recorder, nil, face.DefaultMatchThreshold)
	return svc, d
}

func enrolled(v face.Vector) *face.Enrollment {
	return &face.Enrollment{StudentID: "stu-1", Embedding: v, Enrolled: true, Consent: true}
}

// ── tests ──

func TestNoActiveSessionWritesNoAttempt(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{Face: true})
	_, err := svc.Submit(context.Background(), Evidence{SessionID: "unknown", StudentID: "stu-1"})
	if !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("want ErrNoActiveSession, got %v", err)
	}
	if len(d.attempts.inserted) != 0 {
		t.Error("a usage error must not produce an attempt row")
	}
}

func TestVacuousPassWithZeroFactors(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{})
	res, err := svc.Submit(context.Background(), Evidence{SessionID: "s1", StudentID: "stu-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Error("zero enabled factors should pass any submission")
	}
	if len(d.attempts.inserted) != 1 {
		t.Fatal("attempt row must be written even for a vacuous pass")
	}
	att := d.attempts.inserted[0]
	if att.Status != StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", att.Status)
	}
	if att.FaceVerified != nil || att.LocationVerified != nil || att.BiometricVerified != nil || att.TokenVerified != nil {
		t.Error("factor fields must stay nil when factors are disabled")
	}
	if len(d.recorder.records) != 1 {
		t.Error("successful submission should create an attendance record")
	}
}

func TestNoShortCircuit(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{Face: true, Geofence: true})
	d.enrollments.e = enrolled(face.Vector{0, 0, 0})
	d.sessions.anchor = &session.ClassLocation{
		ClassID: "class-1", Point: geo.Point{Lat: 19.0760, Lon: 72.8777}, RadiusMeters: 50,
	}

	res, err := svc.Submit(context.Background(), Evidence{
		SessionID: "s1", StudentID: "stu-1",
		Face:     &FaceSample{Descriptor: face.Vector{1, 1, 1}, Live: true}, // mismatch
		Location: &geo.Point{Lat: 19.0760, Lon: 72.8777},                    // in bounds
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("one failed factor must fail the submission")
	}
	att := d.attempts.inserted[0]
	if att.FaceVerified == nil || *att.FaceVerified {
		t.Error("face factor should be evaluated and failed")
	}
	if att.LocationVerified == nil || !*att.LocationVerified {
		t.Error("geofencing must still be evaluated and pass after the face failure")
	}
	if len(d.recorder.records) != 0 {
		t.Error("failed submission must not create a record")
	}
}

func TestFaceNotEnrolled(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{Face: true})
	res, err := svc.Submit(context.Background(), Evidence{
		SessionID: "s1", StudentID: "stu-1",
		Face: &FaceSample{Descriptor: face.Vector{0.1, 0.2, 0.3}, Live: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("unenrolled student must fail the face factor")
	}
	att := d.attempts.inserted[0]
	if att.FaceVerified == nil || *att.FaceVerified {
		t.Error("face_verified should be false")
	}
	if !strings.Contains(strings.ToLower(res.Message), "not enrolled") {
		t.Errorf("message should mention enrollment, got %q", res.Message)
	}
}

func TestLivenessANDedIntoFaceFactor(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{Face: true})
	d.enrollments.e = enrolled(face.Vector{0.1, 0.2, 0.3})

	// Perfect similarity but a dead sample.
	res, err := svc.Submit(context.Background(), Evidence{
		SessionID: "s1", StudentID: "stu-1",
		Face: &FaceSample{Descriptor: face.Vector{0.1, 0.2, 0.3}, Live: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("similarity alone must not pass the face factor without liveness")
	}
	if !strings.Contains(res.Message, "Liveness") {
		t.Errorf("message should report the liveness failure, got %q", res.Message)
	}
	// The score is still recorded for the audit trail.
	if att := d.attempts.inserted[0]; att.FaceScore == nil || *att.FaceScore != 0 {
		t.Error("matching similarity score should be recorded alongside the liveness failure")
	}
}

func TestIdempotentResubmission(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{})

	first, err := svc.Submit(context.Background(), Evidence{SessionID: "s1", StudentID: "stu-1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Submit(context.Background(), Evidence{SessionID: "s1", StudentID: "stu-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Success || !second.Success {
		t.Fatal("both submissions should succeed")
	}
	if !second.AlreadyMarked {
		t.Error("second submission should report the record as pre-existing")
	}
	if len(d.recorder.records) != 1 {
		t.Errorf("exactly one record expected, got %d", len(d.recorder.records))
	}
	if len(d.attempts.inserted) != 2 {
		t.Errorf("every submission gets its own attempt row, got %d", len(d.attempts.inserted))
	}
}

func TestGeofenceScenario(t *testing.T) {
	anchor := geo.Point{Lat: 19.0760, Lon: 72.8777}
	svc, d := newTestService(session.FactorConfig{Geofence: true})
	d.sessions.anchor = &session.ClassLocation{ClassID: "class-1", Point: anchor, RadiusMeters: 50}

	// Exactly at the anchor: distance 0, passes.
	res, err := svc.Submit(context.Background(), Evidence{
		SessionID: "s1", StudentID: "stu-1", Location: &anchor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("submission at the anchor should pass: %s", res.Message)
	}
	if att := d.attempts.inserted[0]; att.DistanceMeters == nil || *att.DistanceMeters != 0 {
		t.Error("distance 0 should be recorded")
	}

	// ~200m north: fails, message names both distances.
	far := geo.Point{Lat: anchor.Lat + 200/111194.9, Lon: anchor.Lon}
	res, err = svc.Submit(context.Background(), Evidence{
		SessionID: "s1", StudentID: "stu-2", Location: &far,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("submission 200m out should fail")
	}
	if !strings.Contains(res.Message, "200") || !strings.Contains(res.Message, "50") {
		t.Errorf("message should contain measured and allowed distance, got %q", res.Message)
	}
}

func TestGeofenceMissingEvidence(t *testing.T) {
	svc, _ := newTestService(session.FactorConfig{Geofence: true})
	res, err := svc.Submit(context.Background(), Evidence{SessionID: "s1", StudentID: "stu-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("missing coordinates must fail the geofence factor")
	}
	if !strings.Contains(res.Message, "Location not provided") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestQROnlyTwoStudentsShareOneToken(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{DynamicQR: true})

	for _, student := range []string{"stu-1", "stu-2"} {
		res, err := svc.Submit(context.Background(), Evidence{
			SessionID: "s1", StudentID: student, QRToken: "shared-token",
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Success {
			t.Fatalf("student %s should pass with a valid token: %s", student, res.Message)
		}
	}
	if len(d.recorder.records) != 2 {
		t.Errorf("two distinct records expected, got %d", len(d.recorder.records))
	}
}

func TestQRFailureReasons(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		err     error
		wantMsg string
	}{
		{"missing token", "", nil, "QR token missing"},
		{"expired token", "tok", session.ErrTokenExpired, "QR token expired"},
		{"unknown token", "tok", session.ErrTokenNotFound, "Invalid QR token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, d := newTestService(session.FactorConfig{StaticQR: true})
			d.tokens.err = tc.err
			res, err := svc.Submit(context.Background(), Evidence{
				SessionID: "s1", StudentID: "stu-1", QRToken: tc.token,
			})
			if err != nil {
				t.Fatal(err)
			}
			if res.Success {
				t.Fatal("submission should fail")
			}
			if !strings.Contains(res.Message, tc.wantMsg) {
				t.Errorf("message %q should contain %q", res.Message, tc.wantMsg)
			}
		})
	}
}

func TestBiometricFailureReasons(t *testing.T) {
	cases := []struct {
		name      string
		assertion string
		err       error
		wantMsg   string
	}{
		{"missing assertion", "", nil, "Biometric assertion missing"},
		{"not enrolled", "{}", passkey.ErrNotEnrolled, "No passkey enrolled"},
		{"counter replay", "{}", passkey.ErrCounterNotIncreased, "counter did not increase"},
		{"ceremony failure", "{}", passkey.ErrAssertionInvalid, "Biometric verification failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, d := newTestService(session.FactorConfig{Biometric: true})
			d.passkeys.err = tc.err
			res, err := svc.Submit(context.Background(), Evidence{
				SessionID: "s1", StudentID: "stu-1", Assertion: []byte(tc.assertion),
			})
			if err != nil {
				t.Fatal(err)
			}
			if res.Success {
				t.Fatal("submission should fail")
			}
			if !strings.Contains(res.Message, tc.wantMsg) {
				t.Errorf("message %q should contain %q", res.Message, tc.wantMsg)
			}
		})
	}
}

func TestCompositeMessageListsEveryFailure(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{Face: true, Geofence: true, StaticQR: true})
	d.enrollments.e = enrolled(face.Vector{0, 0, 0})
	d.sessions.anchor = &session.ClassLocation{
		ClassID: "class-1", Point: geo.Point{Lat: 19.0760, Lon: 72.8777}, RadiusMeters: 50,
	}
	d.tokens.err = session.ErrTokenExpired

	far := geo.Point{Lat: 19.0760 + 200/111194.9, Lon: 72.8777}
	res, err := svc.Submit(context.Background(), Evidence{
		SessionID: "s1", StudentID: "stu-1",
		Face:     &FaceSample{Descriptor: face.Vector{1, 1, 1}, Live: true},
		Location: &far,
		QRToken:  "stale",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Face mismatch", "Out of location bounds", "QR token expired"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("composite message %q missing %q", res.Message, want)
		}
	}
	if len(res.Reasons) != 3 {
		t.Errorf("expected 3 structured reasons, got %d", len(res.Reasons))
	}
}

func TestEvaluatorPanicDoesNotAbortOtherFactors(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{Geofence: true, StaticQR: true})
	d.sessions.anchor = &session.ClassLocation{
		ClassID: "class-1", Point: geo.Point{Lat: 19.0760, Lon: 72.8777}, RadiusMeters: 50,
	}
	d.tokens.panic = true

	res, err := svc.Submit(context.Background(), Evidence{
		SessionID: "s1", StudentID: "stu-1",
		Location: &geo.Point{Lat: 19.0760, Lon: 72.8777},
		QRToken:  "tok",
	})
	if err != nil {
		t.Fatalf("a panicking evaluator must not abort the submission: %v", err)
	}
	if res.Success {
		t.Error("panicked factor counts as failed")
	}
	att := d.attempts.inserted[0]
	if att.LocationVerified == nil || !*att.LocationVerified {
		t.Error("geofence factor should still have been evaluated")
	}
	if att.TokenVerified == nil || *att.TokenVerified {
		t.Error("panicked QR factor should be recorded as failed")
	}
}

func TestAttemptStorageFailurePropagates(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{})
	d.attempts.err = errors.New("db down")
	_, err := svc.Submit(context.Background(), Evidence{SessionID: "s1", StudentID: "stu-1"})
	if err == nil {
		t.Fatal("storage failure must propagate as a server error")
	}
}

func TestRecorderReturningNoRecordIsAnError(t *testing.T) {
	svc, d := newTestService(session.FactorConfig{})
	d.recorder.vanish = true
	_, err := svc.Submit(context.Background(), Evidence{SessionID: "s1", StudentID: "stu-1"})
	if err == nil {
		t.Fatal("a vanished attendance record must surface as a server error, not a panic")
	}
}
