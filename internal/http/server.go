package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/checkpointhq/checkpoint/internal/auth"
	"github.com/checkpointhq/checkpoint/internal/config"
	"github.com/checkpointhq/checkpoint/internal/geo"
	"github.com/checkpointhq/checkpoint/internal/metrics"
	"github.com/checkpointhq/checkpoint/internal/model"
	"github.com/checkpointhq/checkpoint/internal/repository"
	"github.com/checkpointhq/checkpoint/internal/rotator"
)

type Server struct {
	cfg     config.Config
	store   *repository.Store
	rotator *rotator.Rotator
}

func NewServer(cfg config.Config, store *repository.Store, rot *rotator.Rotator) *Server {
	return &Server{cfg: cfg, store: store, rotator: rot}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Attendee / link-bearer surface. Outcomes ride in the body so the web
	// client can map reason codes to copy without sniffing status codes.
	r.Post("/attendance-start", s.handleAttendanceStart)
	r.Post("/attendance-submit", s.handleAttendanceSubmit)
	r.Post("/moderator-state", s.handleModeratorState)
	r.Post("/moderator-action", s.handleModeratorAction)
	r.Post("/excuse-submit", s.handleExcuseSubmit)

	// Organizer surface.
	r.With(s.authMiddleware).Post("/events/{eventId}/host", s.handleHostRotate)
	r.With(s.authMiddleware).Delete("/events/{eventId}/host", s.handleHostRelease)
	r.With(s.authMiddleware).Get("/events/{eventId}/records", s.handleListRecords)
	r.With(s.authMiddleware).Patch("/records/{recordId}", s.handlePatchRecord)
	r.With(s.authMiddleware).Delete("/records/{recordId}", s.handleDeleteRecord)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type attendanceStartRequest struct {
	EventID string  `json:"eventId"`
	Token   *string `json:"token"`
}

type eventInfoResponse struct {
	Name            string  `json:"name"`
	RequireEmail    bool    `json:"requireEmail"`
	GeofenceEnabled bool    `json:"geofenceEnabled"`
	BrandColor      *string `json:"brandColor,omitempty"`
}

type attendanceStartResponse struct {
	Authorized       bool               `json:"authorized"`
	SessionID        string             `json:"sessionId,omitempty"`
	SessionExpiresAt int64              `json:"sessionExpiresAt,omitempty"`
	Event            *eventInfoResponse `json:"event,omitempty"`
	Reason           string             `json:"reason,omitempty"`
}

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type attendanceSubmitRequest struct {
	SessionID      string  `json:"sessionId"`
	AttendeeName   string  `json:"attendeeName"`
	AttendeeEmail  string  `json:"attendeeEmail"`
	ClientIdentity string  `json:"clientIdentity"`
	Location       *latLng `json:"location"`
	LocationDenied bool    `json:"locationDenied"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type moderatorStateRequest struct {
	EventID           string `json:"eventId"`
	Token             string `json:"token"`
	IncludeAttendance bool   `json:"includeAttendance"`
}

type moderatorEventResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type recordResponse struct {
	ID               string  `json:"id"`
	AttendeeName     string  `json:"attendeeName"`
	AttendeeEmail    string  `json:"attendeeEmail,omitempty"`
	Status           string  `json:"status"`
	SuspiciousReason *string `json:"suspiciousReason,omitempty"`
	LocationProvided bool    `json:"locationProvided"`
	RecordedAt       int64   `json:"recordedAt"`
}

type moderatorStateResponse struct {
	Authorized bool                    `json:"authorized"`
	Event      *moderatorEventResponse `json:"event,omitempty"`
	Attendance []recordResponse        `json:"attendance,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
}

type moderatorActionRequest struct {
	EventID       string `json:"eventId"`
	Token         string `json:"token"`
	Action        string `json:"action"`
	RecordID      string `json:"recordId"`
	Status        string `json:"status"`
	AttendeeName  string `json:"attendeeName"`
	AttendeeEmail string `json:"attendeeEmail"`
	Query         string `json:"query"`
}

type moderatorActionResponse struct {
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	Attendance []recordResponse `json:"attendance,omitempty"`
}

type excuseSubmitRequest struct {
	EventID       string `json:"eventId"`
	Token         string `json:"token"`
	AttendeeName  string `json:"attendeeName"`
	AttendeeEmail string `json:"attendeeEmail"`
}

// Handlers

func (s *Server) handleAttendanceStart(w http.ResponseWriter, r *http.Request) {
	var req attendanceStartRequest
	if err := decodeJSON(r, &req); err != nil || req.EventID == "" {
		writeJSON(w, http.StatusOK, attendanceStartResponse{Reason: "invalid_request"})
		return
	}

	if _, err := uuid.Parse(req.EventID); err != nil {
		writeJSON(w, http.StatusOK, attendanceStartResponse{Reason: "not_found"})
		return
	}
	event, err := s.store.GetEvent(r.Context(), req.EventID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusOK, attendanceStartResponse{Reason: "not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, attendanceStartResponse{Reason: "server_error"})
		return
	}
	if !event.Active {
		writeJSON(w, http.StatusOK, attendanceStartResponse{Reason: "inactive"})
		return
	}

	presented := ""
	if req.Token != nil {
		presented = strings.TrimSpace(*req.Token)
	}
	now := time.Now().UTC()
	if reason := s.checkToken(r.Context(), event, presented, now); reason != "" {
		writeJSON(w, http.StatusOK, attendanceStartResponse{Reason: reason})
		return
	}

	session := model.CheckinSession{
		ID:            uuid.NewString(),
		EventID:       event.ID,
		TokenSnapshot: presented,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		writeJSON(w, http.StatusOK, attendanceStartResponse{Reason: "server_error"})
		return
	}
	metrics.SessionsIssued.Inc()

	writeJSON(w, http.StatusOK, attendanceStartResponse{
		Authorized:       true,
		SessionID:        session.ID,
		SessionExpiresAt: session.ExpiresAt.Unix(),
		Event: &eventInfoResponse{
			Name:            event.Name,
			RequireEmail:    event.RequireEmail,
			GeofenceEnabled: event.GeofenceEnabled,
			BrandColor:      event.BrandColor,
		},
	})
}

// checkToken decides whether a presented QR token opens a session. Replacing
// the stored token retires the old value immediately, regardless of how much
// nominal validity it had left, which is what defeats screenshot sharing.
func (s *Server) checkToken(ctx context.Context, event model.Event, presented string, now time.Time) string {
	if !event.RotationEnabled {
		if presented != rotator.StaticToken {
			return "expired"
		}
		return ""
	}
	current, expiresAt, ok, err := s.rotator.Current(ctx, event.ID)
	if err != nil {
		return "server_error"
	}
	if !ok || presented == "" || presented != current {
		return "expired"
	}
	if expiresAt.After(now) {
		return ""
	}
	// No usable TTL left on the stored value; fall back to the timestamp
	// embedded in the token with a fixed validity window.
	issued, parsed := rotator.IssuedAt(presented)
	if parsed && now.Sub(issued) <= s.cfg.TokenFallbackWindow {
		return ""
	}
	return "expired"
}

func (s *Server) handleAttendanceSubmit(w http.ResponseWriter, r *http.Request) {
	var req attendanceSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeSubmit(w, "invalid_request")
		return
	}
	req.AttendeeName = strings.TrimSpace(req.AttendeeName)
	req.AttendeeEmail = strings.TrimSpace(req.AttendeeEmail)
	req.ClientIdentity = strings.TrimSpace(req.ClientIdentity)
	if req.SessionID == "" || req.AttendeeName == "" {
		writeSubmit(w, "invalid_request")
		return
	}
	if req.ClientIdentity == "" {
		writeSubmit(w, "missing_identity")
		return
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		writeSubmit(w, "session_invalid")
		return
	}

	session, err := s.store.GetSession(r.Context(), req.SessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeSubmit(w, "session_invalid")
		return
	}
	if err != nil {
		writeSubmit(w, "server_error")
		return
	}
	now := time.Now().UTC()
	if session.UsedAt != nil {
		writeSubmit(w, "session_used")
		return
	}
	if now.After(session.ExpiresAt) {
		writeSubmit(w, "session_expired")
		return
	}

	event, err := s.store.GetEvent(r.Context(), session.EventID)
	if err != nil {
		writeSubmit(w, "server_error")
		return
	}
	// The organizer can stop the event mid-session.
	if !event.Active {
		writeSubmit(w, "inactive")
		return
	}
	if event.RequireEmail && req.AttendeeEmail == "" {
		writeSubmit(w, "invalid_request")
		return
	}

	// Pre-check for a friendlier error under the strict policy. The unique
	// index remains the real guard; see the ErrDuplicate translation below.
	collision := false
	_, err = s.store.GetRecordByIdentity(r.Context(), event.ID, req.ClientIdentity)
	switch {
	case err == nil:
		if event.CollisionPolicy() == model.CollisionStrict {
			writeSubmit(w, "already_submitted")
			return
		}
		collision = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		writeSubmit(w, "server_error")
		return
	}

	status, reason := deriveSubmissionStatus(event, collision, req.Location, req.LocationDenied)

	record := model.AttendanceRecord{
		ID:               uuid.NewString(),
		EventID:          event.ID,
		AttendeeName:     req.AttendeeName,
		AttendeeEmail:    req.AttendeeEmail,
		ClientIdentity:   req.ClientIdentity,
		LocationProvided: req.Location != nil,
		Status:           status,
		SuspiciousReason: reason,
		RecordedAt:       now,
	}
	if collision {
		record.ClientIdentity = duplicateIdentity(req.ClientIdentity, record.ID)
	}
	if req.Location != nil {
		record.Lat = &req.Location.Lat
		record.Lng = &req.Location.Lng
	}

	err = s.store.CreateRecordWithSession(r.Context(), record, session.ID, now)
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent same-identity submit won the race past the pre-check.
		if event.CollisionPolicy() == model.CollisionStrict {
			writeSubmit(w, "already_submitted")
			return
		}
		status, reason = deriveSubmissionStatus(event, true, req.Location, req.LocationDenied)
		record.Status = status
		record.SuspiciousReason = reason
		record.ClientIdentity = duplicateIdentity(req.ClientIdentity, record.ID)
		err = s.store.CreateRecordWithSession(r.Context(), record, session.ID, now)
	}
	switch {
	case errors.Is(err, repository.ErrSessionUsed):
		writeSubmit(w, "session_used")
		return
	case err != nil:
		writeSubmit(w, "server_error")
		return
	}

	metrics.Submissions.WithLabelValues(string(status)).Inc()
	writeJSON(w, http.StatusOK, submitResponse{Success: true})
}

// deriveSubmissionStatus runs the anti-fraud checks and folds their signals
// into a status. Fraud signals never reject; the event keeps a flagged entry
// for human review instead of losing the attempt. Signals are evaluated
// collision first, then geofence, and joined with "; ".
func deriveSubmissionStatus(event model.Event, collision bool, location *latLng, locationDenied bool) (model.Status, *string) {
	var signals []string
	if collision {
		signals = append(signals, "identity matched another submission")
	}
	if event.GeofenceEnabled {
		if location == nil || locationDenied {
			signals = append(signals, "location access denied")
		} else {
			distance := geo.DistanceMeters(location.Lat, location.Lng, event.GeofenceLat, event.GeofenceLng)
			if distance > event.GeofenceRadiusMeters {
				signals = append(signals, fmt.Sprintf("location %dm from venue exceeds %dm radius",
					int(math.Round(distance)), int(math.Round(event.GeofenceRadiusMeters))))
			}
		}
	}
	if len(signals) == 0 {
		return model.StatusVerified, nil
	}
	reason := strings.Join(signals, "; ")
	return model.StatusSuspicious, &reason
}

// duplicateIdentity derives the stored identity for a flagged duplicate under
// the permissive policy. The base identity stays bound to the first record, so
// the pre-check and the unique index keep matching against that one.
func duplicateIdentity(identity, recordID string) string {
	return identity + "#" + recordID
}

func writeSubmit(w http.ResponseWriter, reason string) {
	metrics.Submissions.WithLabelValues(reason).Inc()
	writeJSON(w, http.StatusOK, submitResponse{Success: false, Reason: reason})
}

// Moderation gate

// linkReason is the capability check behind every moderation-link operation:
// presenting a valid, active, unexpired token for an enabled event is the
// entire authorization proof. Returns "" when authorized.
func linkReason(link model.ModerationLink, lookupErr error, enabled bool, now time.Time) string {
	if !enabled {
		return "moderation_disabled"
	}
	if errors.Is(lookupErr, pgx.ErrNoRows) {
		return "link_not_found"
	}
	if lookupErr != nil {
		return "server_error"
	}
	if !link.IsActive {
		return "link_inactive"
	}
	if link.ExpiresAt != nil && now.After(*link.ExpiresAt) {
		return "link_expired"
	}
	return ""
}

func (s *Server) authorizeModerationLink(ctx context.Context, eventID, token string) (model.Event, string) {
	if _, err := uuid.Parse(eventID); err != nil {
		return model.Event{}, "link_not_found"
	}
	event, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, "link_not_found"
	}
	if err != nil {
		return model.Event{}, "server_error"
	}
	link, err := s.store.GetModerationLink(ctx, eventID, token)
	if reason := linkReason(link, err, event.ModerationEnabled, time.Now().UTC()); reason != "" {
		return model.Event{}, reason
	}
	return event, ""
}

func (s *Server) handleModeratorState(w http.ResponseWriter, r *http.Request) {
	var req moderatorStateRequest
	if err := decodeJSON(r, &req); err != nil || req.EventID == "" || req.Token == "" {
		writeJSON(w, http.StatusOK, moderatorStateResponse{Reason: "invalid_request"})
		return
	}

	event, reason := s.authorizeModerationLink(r.Context(), req.EventID, req.Token)
	if reason != "" {
		writeJSON(w, http.StatusOK, moderatorStateResponse{Reason: reason})
		return
	}

	resp := moderatorStateResponse{
		Authorized: true,
		Event: &moderatorEventResponse{
			ID:     event.ID,
			Name:   event.Name,
			Active: event.Active,
		},
	}
	if req.IncludeAttendance {
		records, err := s.store.ListRecords(r.Context(), event.ID)
		if err != nil {
			writeJSON(w, http.StatusOK, moderatorStateResponse{Reason: "server_error"})
			return
		}
		resp.Attendance = mapRecords(records)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModeratorAction(w http.ResponseWriter, r *http.Request) {
	var req moderatorActionRequest
	if err := decodeJSON(r, &req); err != nil || req.EventID == "" || req.Token == "" {
		writeActionError(w, "invalid_request")
		return
	}

	event, reason := s.authorizeModerationLink(r.Context(), req.EventID, req.Token)
	if reason != "" {
		writeActionError(w, reason)
		return
	}

	// The action set is deliberately narrower than the organizer's: record
	// operations only, never event configuration.
	switch req.Action {
	case "update_status":
		s.moderatorUpdateStatus(w, r, event, req)
	case "delete_record":
		s.moderatorDeleteRecord(w, r, event, req)
	case "add_attendee":
		s.moderatorAddAttendee(w, r, event, req)
	case "search_attendees":
		s.moderatorSearchAttendees(w, r, event, req)
	default:
		writeActionError(w, "invalid_request")
	}
}

func (s *Server) moderatorUpdateStatus(w http.ResponseWriter, r *http.Request, event model.Event, req moderatorActionRequest) {
	record, reason := s.loadEventRecord(r.Context(), event.ID, req.RecordID)
	if reason != "" {
		writeActionError(w, reason)
		return
	}
	target, ok := model.ParseStatus(req.Status)
	if !ok {
		writeActionError(w, "invalid_request")
		return
	}
	if !model.CanTransition(record.Status, target) {
		writeActionError(w, "invalid_transition")
		return
	}
	newReason := record.SuspiciousReason
	if model.ClearsReason(record.Status, target) {
		newReason = nil
	}
	err := s.store.UpdateRecordStatus(r.Context(), record.ID, target, newReason)
	if errors.Is(err, repository.ErrDuplicate) {
		// The attendee's email already carries an excused entry.
		writeActionError(w, "already_submitted")
		return
	}
	if err != nil {
		writeActionError(w, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, moderatorActionResponse{Success: true})
}

func (s *Server) moderatorDeleteRecord(w http.ResponseWriter, r *http.Request, event model.Event, req moderatorActionRequest) {
	record, reason := s.loadEventRecord(r.Context(), event.ID, req.RecordID)
	if reason != "" {
		writeActionError(w, reason)
		return
	}
	if err := s.store.DeleteRecord(r.Context(), record.ID); err != nil {
		writeActionError(w, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, moderatorActionResponse{Success: true})
}

func (s *Server) moderatorAddAttendee(w http.ResponseWriter, r *http.Request, event model.Event, req moderatorActionRequest) {
	name := strings.TrimSpace(req.AttendeeName)
	if name == "" {
		writeActionError(w, "invalid_request")
		return
	}
	status := model.StatusVerified
	if req.Status != "" {
		parsed, ok := model.ParseStatus(req.Status)
		if !ok || (parsed != model.StatusVerified && parsed != model.StatusExcused) {
			writeActionError(w, "invalid_request")
			return
		}
		status = parsed
	}
	record := model.AttendanceRecord{
		ID:      uuid.NewString(),
		EventID: event.ID,
		// Manual entries have no device behind them; a synthetic identity
		// keeps the unique index satisfied.
		ClientIdentity: "manual:" + uuid.NewString(),
		AttendeeName:   name,
		AttendeeEmail:  strings.TrimSpace(req.AttendeeEmail),
		Status:         status,
		RecordedAt:     time.Now().UTC(),
	}
	err := s.store.CreateRecord(r.Context(), record)
	if errors.Is(err, repository.ErrDuplicate) {
		writeActionError(w, "already_submitted")
		return
	}
	if err != nil {
		writeActionError(w, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, moderatorActionResponse{Success: true})
}

func (s *Server) moderatorSearchAttendees(w http.ResponseWriter, r *http.Request, event model.Event, req moderatorActionRequest) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeActionError(w, "invalid_request")
		return
	}
	records, err := s.store.SearchRecordsByName(r.Context(), event.ID, query)
	if err != nil {
		writeActionError(w, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, moderatorActionResponse{Success: true, Attendance: mapRecords(records)})
}

func (s *Server) loadEventRecord(ctx context.Context, eventID, recordID string) (model.AttendanceRecord, string) {
	if recordID == "" {
		return model.AttendanceRecord{}, "invalid_request"
	}
	if _, err := uuid.Parse(recordID); err != nil {
		return model.AttendanceRecord{}, "invalid_request"
	}
	record, err := s.store.GetRecord(ctx, recordID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AttendanceRecord{}, "not_found"
	}
	if err != nil {
		return model.AttendanceRecord{}, "server_error"
	}
	// A link authorizes exactly one event's records.
	if record.EventID != eventID {
		return model.AttendanceRecord{}, "not_found"
	}
	return record, ""
}

func writeActionError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusOK, moderatorActionResponse{Success: false, Error: code})
}

func (s *Server) handleExcuseSubmit(w http.ResponseWriter, r *http.Request) {
	var req excuseSubmitRequest
	if err := decodeJSON(r, &req); err != nil || req.EventID == "" || req.Token == "" {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "invalid_request"})
		return
	}
	req.AttendeeName = strings.TrimSpace(req.AttendeeName)
	req.AttendeeEmail = strings.TrimSpace(req.AttendeeEmail)
	if req.AttendeeName == "" || req.AttendeeEmail == "" {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "invalid_request"})
		return
	}

	if _, err := uuid.Parse(req.EventID); err != nil {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "link_not_found"})
		return
	}
	event, err := s.store.GetEvent(r.Context(), req.EventID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "link_not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "server_error"})
		return
	}
	link, err := s.store.GetExcuseLink(r.Context(), req.EventID, req.Token)
	if reason := linkReason(link, err, event.ExcuseEnabled, time.Now().UTC()); reason != "" {
		writeJSON(w, http.StatusOK, submitResponse{Reason: reason})
		return
	}

	// Excuse submissions arrive without a device identity; the attendee's
	// email deduplicates instead.
	_, err = s.store.GetRecordByEmail(r.Context(), event.ID, req.AttendeeEmail)
	if err == nil {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "already_submitted"})
		return
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "server_error"})
		return
	}

	record := model.AttendanceRecord{
		ID:             uuid.NewString(),
		EventID:        event.ID,
		ClientIdentity: "excuse:" + uuid.NewString(),
		AttendeeName:   req.AttendeeName,
		AttendeeEmail:  req.AttendeeEmail,
		Status:         model.StatusExcused,
		RecordedAt:     time.Now().UTC(),
	}
	err = s.store.CreateRecord(r.Context(), record)
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent same-email excuse won the race past the pre-check.
		writeJSON(w, http.StatusOK, submitResponse{Reason: "already_submitted"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, submitResponse{Reason: "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Success: true})
}

// Organizer handlers

type hostRotateResponse struct {
	Token           string `json:"token"`
	ExpiresAt       int64  `json:"expiresAt,omitempty"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

func (s *Server) handleHostRotate(w http.ResponseWriter, r *http.Request) {
	event, ok := s.organizerEvent(w, r)
	if !ok {
		return
	}
	deviceID := strings.TrimSpace(r.Header.Get("X-Device-ID"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "missing_device_id")
		return
	}
	if !event.RotationEnabled {
		writeJSON(w, http.StatusOK, hostRotateResponse{Token: rotator.StaticToken})
		return
	}

	interval := time.Duration(event.RotationIntervalSeconds) * time.Second
	token, expiresAt, err := s.rotator.Rotate(r.Context(), event.ID, deviceID, interval)
	if errors.Is(err, rotator.ErrLeaseHeld) {
		writeError(w, http.StatusConflict, "lease_held")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	metrics.Rotations.Inc()
	writeJSON(w, http.StatusOK, hostRotateResponse{
		Token:           token,
		ExpiresAt:       expiresAt.Unix(),
		IntervalSeconds: event.RotationIntervalSeconds,
	})
}

func (s *Server) handleHostRelease(w http.ResponseWriter, r *http.Request) {
	event, ok := s.organizerEvent(w, r)
	if !ok {
		return
	}
	deviceID := strings.TrimSpace(r.Header.Get("X-Device-ID"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "missing_device_id")
		return
	}
	if err := s.rotator.ReleaseHostLease(r.Context(), event.ID, deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	event, ok := s.organizerEvent(w, r)
	if !ok {
		return
	}
	records, err := s.store.ListRecords(r.Context(), event.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapRecords(records))
}

type patchRecordRequest struct {
	Status string `json:"status"`
}

func (s *Server) handlePatchRecord(w http.ResponseWriter, r *http.Request) {
	record, ok := s.organizerRecord(w, r)
	if !ok {
		return
	}
	var req patchRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	target, valid := model.ParseStatus(req.Status)
	if !valid {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}
	if !model.CanTransition(record.Status, target) {
		writeError(w, http.StatusConflict, "invalid_transition")
		return
	}
	reason := record.SuspiciousReason
	if model.ClearsReason(record.Status, target) {
		reason = nil
	}
	err := s.store.UpdateRecordStatus(r.Context(), record.ID, target, reason)
	if errors.Is(err, repository.ErrDuplicate) {
		writeError(w, http.StatusConflict, "already_submitted")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	record, ok := s.organizerRecord(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRecord(r.Context(), record.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) organizerEvent(w http.ResponseWriter, r *http.Request) (model.Event, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return model.Event{}, false
	}
	eventID := chi.URLParam(r, "eventId")
	if _, err := uuid.Parse(eventID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event_id")
		return model.Event{}, false
	}
	event, err := s.store.GetEvent(r.Context(), eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found")
		return model.Event{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return model.Event{}, false
	}
	// A token without a workspace claim authorizes nothing.
	if claims.WorkspaceID == "" || claims.WorkspaceID != event.WorkspaceID {
		writeError(w, http.StatusForbidden, "forbidden")
		return model.Event{}, false
	}
	return event, true
}

func (s *Server) organizerRecord(w http.ResponseWriter, r *http.Request) (model.AttendanceRecord, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return model.AttendanceRecord{}, false
	}
	recordID := chi.URLParam(r, "recordId")
	if _, err := uuid.Parse(recordID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_record_id")
		return model.AttendanceRecord{}, false
	}
	record, err := s.store.GetRecord(r.Context(), recordID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found")
		return model.AttendanceRecord{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return model.AttendanceRecord{}, false
	}
	event, err := s.store.GetEvent(r.Context(), record.EventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return model.AttendanceRecord{}, false
	}
	if claims.WorkspaceID == "" || claims.WorkspaceID != event.WorkspaceID {
		writeError(w, http.StatusForbidden, "forbidden")
		return model.AttendanceRecord{}, false
	}
	return record, true
}

// Mapping helpers

func mapRecords(records []model.AttendanceRecord) []recordResponse {
	resp := make([]recordResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, recordResponse{
			ID:               record.ID,
			AttendeeName:     record.AttendeeName,
			AttendeeEmail:    record.AttendeeEmail,
			Status:           string(record.Status),
			SuspiciousReason: record.SuspiciousReason,
			LocationProvided: record.LocationProvided,
			RecordedAt:       record.RecordedAt.Unix(),
		})
	}
	return resp
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
