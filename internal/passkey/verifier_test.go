package passkey

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// fakeCeremony stands in for the go-webauthn library.
type fakeCeremony struct {
	loginResult *webauthn.Credential
	loginErr    error
}

func (f *fakeCeremony) BeginRegistration(webauthn.User, ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return nil, nil, errors.New("not used")
}

func (f *fakeCeremony) FinishRegistration(webauthn.User, webauthn.SessionData, *http.Request) (*webauthn.Credential, error) {
	return nil, errors.New("not used")
}

func (f *fakeCeremony) BeginLogin(webauthn.User, ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return nil, nil, errors.New("not used")
}

func (f *fakeCeremony) ValidateLogin(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	return f.loginResult, f.loginErr
}

// fakeCredStore is an in-memory CredentialStore.
type fakeCredStore struct {
	creds   []Credential
	updated *uint32
}

func (f *fakeCredStore) ForStudent(_ context.Context, studentID string) ([]Credential, error) {
	var out []Credential
	for _, c := range f.creds {
		if c.StudentID == studentID && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCredStore) Insert(_ context.Context, c *Credential) error {
	c.Active = true
	f.creds = append(f.creds, *c)
	return nil
}

func (f *fakeCredStore) UpdateSignCount(_ context.Context, credentialID []byte, count uint32, _ time.Time) error {
	for i := range f.creds {
		if bytes.Equal(f.creds[i].CredentialID, credentialID) {
			f.creds[i].SignCount = count
			f.updated = &count
			return nil
		}
	}
	return errors.New("credential not found")
}

var credID = []byte("cred-1")

func storeWithCredential(count uint32) *fakeCredStore {
	return &fakeCredStore{creds: []Credential{{
		StudentID:    "stu-1",
		CredentialID: credID,
		PublicKey:    []byte("pk"),
		SignCount:    count,
		Active:       true,
	}}}
}

func assertionResult(count uint32) *webauthn.Credential {
	return &webauthn.Credential{
		ID:            credID,
		Authenticator: webauthn.Authenticator{SignCount: count},
	}
}

func TestVerifyAssertionNotEnrolled(t *testing.T) {
	v := &Verifier{web: &fakeCeremony{}, creds: &fakeCredStore{}}
	err := v.VerifyAssertion(context.Background(), "stu-1", []byte("{}"))
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("want ErrNotEnrolled, got %v", err)
	}
}

func TestVerifyCounterMustIncrease(t *testing.T) {
	cases := []struct {
		name      string
		newCount  uint32
		wantErr   error
		wantSaved bool
	}{
		{"equal counter rejected", 10, ErrCounterNotIncreased, false},
		{"lower counter rejected", 9, ErrCounterNotIncreased, false},
		{"higher counter accepted", 11, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storeWithCredential(10)
			v := &Verifier{
				web:   &fakeCeremony{loginResult: assertionResult(tc.newCount)},
				creds: store,
			}
			// The ceremony accepts the signature in every case; only the
			// counter decides the outcome.
			err := v.verifyParsed(context.Background(), "stu-1", store.creds, webauthn.SessionData{}, nil)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
			if tc.wantSaved {
				if store.updated == nil || *store.updated != tc.newCount {
					t.Errorf("counter should be persisted as %d", tc.newCount)
				}
			} else if store.updated != nil {
				t.Error("counter must stay untouched on rejection")
			}
		})
	}
}

func TestVerifyCeremonyFailure(t *testing.T) {
	store := storeWithCredential(10)
	v := &Verifier{
		web:   &fakeCeremony{loginErr: errors.New("signature mismatch")},
		creds: store,
	}
	err := v.verifyParsed(context.Background(), "stu-1", store.creds, webauthn.SessionData{}, nil)
	if !errors.Is(err, ErrAssertionInvalid) {
		t.Errorf("want ErrAssertionInvalid, got %v", err)
	}
	if store.updated != nil {
		t.Error("counter must stay untouched when the ceremony fails")
	}
}

func TestVerifyUnknownCredential(t *testing.T) {
	store := storeWithCredential(10)
	v := &Verifier{
		web: &fakeCeremony{loginResult: &webauthn.Credential{
			ID:            []byte("someone-else"),
			Authenticator: webauthn.Authenticator{SignCount: 99},
		}},
		creds: store,
	}
	err := v.verifyParsed(context.Background(), "stu-1", store.creds, webauthn.SessionData{}, nil)
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("want ErrCredentialNotFound, got %v", err)
	}
}
