package passkey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

var (
	// ErrNotEnrolled is returned when the student has no registered
	// platform credential at all.
	ErrNotEnrolled = errors.New("no passkey enrolled")
	// ErrCredentialNotFound is returned when the asserted credential id is
	// not among the student's registered credentials.
	ErrCredentialNotFound = errors.New("passkey not recognized")
	// ErrAssertionInvalid is returned when the ceremony rejects the
	// assertion.
	ErrAssertionInvalid = errors.New("assertion verification failed")
	// ErrCounterNotIncreased is returned when the signature verifies but
	// the authenticator counter did not move forward. Current policy treats
	// this the same as a failed verification; a distinct cloned-credential
	// signal is left to future anomaly detection.
	ErrCounterNotIncreased = errors.New("authenticator counter did not increase")
)

// ceremony is the slice of the go-webauthn API the verifier consumes.
type ceremony interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	FinishRegistration(user webauthn.User, session webauthn.SessionData, r *http.Request) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// Verifier runs WebAuthn ceremonies against stored credentials.
type Verifier struct {
	web        ceremony
	creds      CredentialStore
	challenges *ChallengeStore
}

// NewVerifier configures the relying party and wires stores.
func NewVerifier(rpID, rpDisplayName, rpOrigin string, creds CredentialStore, challenges *ChallengeStore) (*Verifier, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     []string{rpOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Verifier{web: web, creds: creds, challenges: challenges}, nil
}

// webUser adapts a student id plus stored credentials to webauthn.User.
type webUser struct {
	id    string
	creds []webauthn.Credential
}

func newWebUser(studentID string, stored []Credential) *webUser {
	u := &webUser{id: studentID}
	for _, c := range stored {
		u.creds = append(u.creds, webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Authenticator:   webauthn.Authenticator{SignCount: c.SignCount},
		})
	}
	return u
}

func (u *webUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *webUser) WebAuthnName() string                       { return u.id }
func (u *webUser) WebAuthnDisplayName() string                { return u.id }
func (u *webUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }
func (u *webUser) WebAuthnIcon() string                       { return "" }

// BeginRegistration starts a credential registration ceremony. The returned
// options go to the browser; session data is parked in the challenge store.
func (v *Verifier) BeginRegistration(ctx context.Context, studentID string) (*protocol.CredentialCreation, error) {
	stored, err := v.creds.ForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	options, session, err := v.web.BeginRegistration(newWebUser(studentID, stored))
	if err != nil {
		return nil, err
	}
	if err := v.challenges.Put(ctx, KindRegister, studentID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration completes registration from the browser's attestation
// response and stores the new credential.
func (v *Verifier) FinishRegistration(ctx context.Context, studentID string, r *http.Request) (*Credential, error) {
	session, err := v.challenges.Take(ctx, KindRegister, studentID)
	if err != nil {
		return nil, err
	}
	stored, err := v.creds.ForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	result, err := v.web.FinishRegistration(newWebUser(studentID, stored), *session, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	cred := &Credential{
		StudentID:       studentID,
		CredentialID:    result.ID,
		PublicKey:       result.PublicKey,
		AttestationType: result.AttestationType,
		SignCount:       result.Authenticator.SignCount,
	}
	if err := v.creds.Insert(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// BeginAssertion issues an assertion challenge for the student.
func (v *Verifier) BeginAssertion(ctx context.Context, studentID string) (*protocol.CredentialAssertion, error) {
	stored, err := v.creds.ForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ErrNotEnrolled
	}
	options, session, err := v.web.BeginLogin(newWebUser(studentID, stored))
	if err != nil {
		return nil, err
	}
	if err := v.challenges.Put(ctx, KindAssertion, studentID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// VerifyAssertion validates a submitted assertion against the student's
// stored credentials and pending challenge. On success the stored counter and
// last-used timestamp advance together; on any failure the counter is left
// untouched.
func (v *Verifier) VerifyAssertion(ctx context.Context, studentID string, assertion []byte) error {
	stored, err := v.creds.ForStudent(ctx, studentID)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return ErrNotEnrolled
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(assertion))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	session, err := v.challenges.Take(ctx, KindAssertion, studentID)
	if err != nil {
		return err
	}
	return v.verifyParsed(ctx, studentID, stored, *session, parsed)
}

func (v *Verifier) verifyParsed(ctx context.Context, studentID string, stored []Credential, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) error {
	result, err := v.web.ValidateLogin(newWebUser(studentID, stored), session, parsed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	var match *Credential
	for i := range stored {
		if bytes.Equal(stored[i].CredentialID, result.ID) {
			match = &stored[i]
			break
		}
	}
	if match == nil {
		return ErrCredentialNotFound
	}

	// Strictly greater: an equal or lower counter means a replayed or cloned
	// assertion even when the signature itself checks out.
	if result.Authenticator.SignCount <= match.SignCount {
		return ErrCounterNotIncreased
	}
	return v.creds.UpdateSignCount(ctx, match.CredentialID, result.Authenticator.SignCount, time.Now().UTC())
}
