// Package verify runs the multi-factor attendance verification pipeline: one
// synchronous pass over every factor enabled on a session, an immutable
// attempt row per submission, and idempotent attendance recording on success.
package verify

import (
	"encoding/json"
	"strings"

	"campusattend/internal/face"
	"campusattend/internal/geo"
)

// Factor names one independent verification method.
type Factor string

// Factors evaluated by the pipeline.
const (
	FactorFace      Factor = "face"
	FactorGeofence  Factor = "geofence"
	FactorBiometric Factor = "biometric"
	FactorQR        Factor = "qr"
)

// FaceSample is the captured face evidence: a descriptor plus the client's
// liveness claim.
type FaceSample struct {
	Descriptor face.Vector `json:"descriptor"`
	Live       bool        `json:"live"`
}

// Evidence is the bundle a student submits to mark themselves present.
// Every field beyond the ids is optional; which ones matter depends on the
// session's enabled factors.
type Evidence struct {
	SessionID string          `json:"session_id"`
	StudentID string          `json:"student_id"`
	Face      *FaceSample     `json:"face,omitempty"`
	Assertion json.RawMessage `json:"assertion,omitempty"`
	Location  *geo.Point      `json:"location,omitempty"`
	QRToken   string          `json:"qr_token,omitempty"`
}

// FactorReason is one structured failure clause. Reasons stay structured
// internally so tests can assert on which factor failed; rendering to prose
// happens only at the response boundary.
type FactorReason struct {
	Factor Factor `json:"factor"`
	Reason string `json:"reason"`
}

// Render joins failure clauses into the human-readable composite message,
// one sentence per failed sub-check.
func Render(reasons []FactorReason) string {
	if len(reasons) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range reasons {
		b.WriteString(r.Reason)
		b.WriteString(". ")
	}
	return b.String()
}

// Result is what the caller gets back: the verdict, a composite message, and
// the full per-factor detail so the user knows exactly what to retry.
type Result struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	AlreadyMarked bool           `json:"already_marked,omitempty"`
	Reasons       []FactorReason `json:"reasons,omitempty"`
	Attempt       *Attempt       `json:"detail"`
}
