package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/config"
	"campusattend/internal/face"
	"campusattend/internal/faceclient"
	"campusattend/internal/geo"
	"campusattend/internal/mediastore"
	"campusattend/internal/passkey"
	"campusattend/internal/session"
	"campusattend/internal/verify"
)

type apiServer struct {
	cfg         config.App
	sessions    *session.Service
	tokens      *session.TokenService
	enrollments *face.Repository
	records     *attendance.Repository
	passkeys    *passkey.Verifier
	verifier    *verify.Service
	faces       *faceclient.Client
	cdn         *mediastore.Client
}

func (s *apiServer) registerRoutes(r *gin.Engine) {
	r.POST("/v1/auth/token", s.issueToken)

	teacher := r.Group("/v1", auth.Require(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleTeacher))
	teacher.POST("/sessions", s.startSession)
	teacher.POST("/sessions/:id/close", s.closeSession)
	teacher.POST("/sessions/:id/token", s.refreshToken)
	teacher.GET("/sessions/:id/records", s.listRecords)

	any := r.Group("/v1", auth.Require(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleStudent, auth.RoleTeacher))
	any.GET("/sessions/active", s.activeSession)

	student := r.Group("/v1", auth.Require(s.cfg.JWTSigningKey, s.cfg.JWTIssuer, auth.RoleStudent))
	student.POST("/attendance/verify", s.verifyAttendance)
	student.POST("/location/check", s.checkLocation)
	student.POST("/face/enroll", s.enrollFace)
	student.DELETE("/face/enrollment", s.deleteEnrollment)
	student.POST("/passkey/register/begin", s.beginPasskeyRegistration)
	student.POST("/passkey/register/finish", s.finishPasskeyRegistration)
	student.POST("/passkey/challenge", s.passkeyChallenge)
}

func (s *apiServer) issueToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Role    string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := auth.Issue(req.Subject, req.Role, s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func (s *apiServer) startSession(c *gin.Context) {
	var req struct {
		AssignmentID string               `json:"assignment_id" binding:"required"`
		ClassID      string               `json:"class_id" binding:"required"`
		Room         string               `json:"room"`
		OpensAt      time.Time            `json:"opens_at"`
		ClosesAt     time.Time            `json:"closes_at"`
		Factors      session.FactorConfig `json:"factors"`
		Location     *geo.Point           `json:"location"`
		RadiusMeters *float64             `json:"radius_meters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	if req.OpensAt.IsZero() {
		req.OpensAt = now
	}
	if req.ClosesAt.IsZero() {
		req.ClosesAt = req.OpensAt.Add(time.Hour)
	}

	sess, created, err := s.sessions.StartOrReuse(c.Request.Context(), session.StartParams{
		AssignmentID: req.AssignmentID,
		ClassID:      req.ClassID,
		Room:         req.Room,
		OpensAt:      req.OpensAt,
		ClosesAt:     req.ClosesAt,
		Factors:      req.Factors,
		Location:     req.Location,
		RadiusMeters: req.RadiusMeters,
	}, now)
	if err != nil {
		if errors.Is(err, session.ErrInvalidWindow) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session start failed"})
		return
	}

	if sess.Factors.None() {
		log.Printf("session %s for %s has no verification factors; every submission will be accepted", sess.ID, sess.AssignmentID)
	}

	resp := gin.H{"session": sess, "created": created}
	if sess.Factors.QR() {
		tok, err := s.tokens.Issue(c.Request.Context(), sess.ID, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		resp["qr_token"] = tok
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

func (s *apiServer) closeSession(c *gin.Context) {
	if err := s.sessions.Close(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "close failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

// refreshToken mints a fresh rotating QR token for a live session. Clients
// poll this on a timer; earlier tokens stay valid until they expire.
func (s *apiServer) refreshToken(c *gin.Context) {
	now := time.Now().UTC()
	sess, err := s.sessions.Live(c.Request.Context(), c.Param("id"), now)
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	if !sess.Factors.QR() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session has no QR factor enabled"})
		return
	}

	tok, err := s.tokens.Issue(c.Request.Context(), sess.ID, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qr_token": tok})
}

func (s *apiServer) listRecords(c *gin.Context) {
	limit, offset := 100, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	recs, err := s.records.ListForSession(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *apiServer) activeSession(c *gin.Context) {
	assignment := c.Query("assignment")
	if assignment == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assignment query param required"})
		return
	}
	sess, err := s.sessions.ActiveForAssignment(c.Request.Context(), assignment, time.Now().UTC())
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// verifyAttendance is the single entry point for marking oneself present:
// one evidence bundle in, one verdict with per-factor diagnostics out.
func (s *apiServer) verifyAttendance(c *gin.Context) {
	var ev verify.Evidence
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	// The authenticated subject is the student; the body cannot speak for
	// someone else.
	ev.StudentID = auth.Subject(c)

	res, err := s.verifier.Submit(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		log.Printf("verification for %s failed: %v", ev.StudentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed, try again"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *apiServer) checkLocation(c *gin.Context) {
	var req struct {
		SessionID string  `json:"session_id" binding:"required"`
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := geo.Point{Lat: req.Lat, Lon: req.Lon}
	if !geo.Finite(p) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
		return
	}

	sess, err := s.sessions.Live(c.Request.Context(), req.SessionID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	anchor, err := s.sessions.Geofence(c.Request.Context(), sess)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "location lookup failed"})
		return
	}
	if anchor == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class not configured for geofencing"})
		return
	}

	dist := geo.Distance(p.Lat, p.Lon, anchor.Point.Lat, anchor.Point.Lon)
	c.JSON(http.StatusOK, gin.H{
		"within":          geo.WithinRadius(dist, anchor.RadiusMeters),
		"distance_meters": math.Round(dist),
		"max_meters":      anchor.RadiusMeters,
	})
}

func (s *apiServer) enrollFace(c *gin.Context) {
	var req struct {
		Descriptor face.Vector `json:"descriptor"`
		Image      string      `json:"image"` // base64 data URL, alternative to descriptor
		Consent    bool        `json:"consent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Consent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consent required for face enrollment"})
		return
	}

	studentID := auth.Subject(c)
	embedding := req.Descriptor
	var snapshotURL *string

	if len(embedding) == 0 {
		if req.Image == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "descriptor or image required"})
			return
		}
		if s.cdn == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		uploaded, err := s.uploadSnapshot(studentID, req.Image)
		if err != nil {
			log.Printf("snapshot upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		snapshotURL = &uploaded.SecureURL

		live, err := s.faces.Liveness(c.Request.Context(), uploaded.SecureURL)
		if err != nil || !live.IsLive {
			c.JSON(http.StatusBadRequest, gin.H{"error": "liveness check failed for enrollment image"})
			return
		}
		result, err := s.faces.Embed(c.Request.Context(), uploaded.SecureURL)
		if err != nil {
			log.Printf("embedding extraction failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "face processing failed"})
			return
		}
		embedding = result.Embedding
	}

	if err := s.enrollments.Upsert(c.Request.Context(), studentID, embedding, req.Consent, snapshotURL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"enrolled": true})
}

// uploadSnapshot stores the enrollment image: data URLs pass straight
// through, anything else is treated as plain base64 and decoded first.
func (s *apiServer) uploadSnapshot(studentID, image string) (*mediastore.UploadResult, error) {
	if strings.HasPrefix(image, "data:") {
		return s.cdn.UploadBase64(image)
	}
	raw, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return s.cdn.UploadBytes(raw, studentID+".jpg")
}

func (s *apiServer) deleteEnrollment(c *gin.Context) {
	if err := s.enrollments.SoftDelete(c.Request.Context(), auth.Subject(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *apiServer) beginPasskeyRegistration(c *gin.Context) {
	options, err := s.passkeys.BeginRegistration(c.Request.Context(), auth.Subject(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration start failed"})
		return
	}
	c.JSON(http.StatusOK, options)
}

func (s *apiServer) finishPasskeyRegistration(c *gin.Context) {
	cred, err := s.passkeys.FinishRegistration(c.Request.Context(), auth.Subject(c), c.Request)
	if err != nil {
		if errors.Is(err, passkey.ErrNoChallenge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "challenge missing or expired"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "registration failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"credential_id": cred.ID})
}

func (s *apiServer) passkeyChallenge(c *gin.Context) {
	options, err := s.passkeys.BeginAssertion(c.Request.Context(), auth.Subject(c))
	if err != nil {
		if errors.Is(err, passkey.ErrNotEnrolled) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no passkey enrolled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge issue failed"})
		return
	}
	c.JSON(http.StatusOK, options)
}
