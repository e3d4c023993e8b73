package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/checkpointhq/checkpoint/internal/auth"
)

// The integration suite drives a running server against the seeded demo
// workspace (see testdata/seed.sql). Start Postgres, Redis and the server,
// then run with INTEGRATION_TESTS=1.

type startResponse struct {
	Authorized       bool   `json:"authorized"`
	SessionID        string `json:"sessionId"`
	SessionExpiresAt int64  `json:"sessionExpiresAt"`
	Reason           string `json:"reason"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

type hostResponse struct {
	Token           string `json:"token"`
	ExpiresAt       int64  `json:"expiresAt"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

type recordResponse struct {
	ID               string  `json:"id"`
	AttendeeName     string  `json:"attendeeName"`
	Status           string  `json:"status"`
	SuspiciousReason *string `json:"suspiciousReason"`
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func organizerToken(t *testing.T) string {
	t.Helper()
	secret := getenv("JWT_SECRET", "dev-secret")
	issuer := getenv("JWT_ISSUER", "checkpoint-accounts")
	claims := auth.Claims{
		UserID:      getenv("SEED_ORGANIZER_ID", "33333333-3333-3333-3333-333333333331"),
		WorkspaceID: getenv("SEED_WORKSPACE_ID", "33333333-3333-3333-3333-333333333330"),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign organizer token: %v", err)
	}
	return token
}

func postJSON(t *testing.T, url, bearer, deviceID string, payload any, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode response %s: %v", raw, err)
		}
	}
	return resp.StatusCode
}

func rotate(t *testing.T, baseURL, eventID, bearer, deviceID string) (hostResponse, int) {
	t.Helper()
	var host hostResponse
	code := postJSON(t, fmt.Sprintf("%s/events/%s/host", baseURL, eventID), bearer, deviceID, map[string]any{}, &host)
	return host, code
}

func listRecords(t *testing.T, baseURL, eventID, bearer string) ([]recordResponse, int) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/events/%s/records", baseURL, eventID), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list records failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var records []recordResponse
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	return records, resp.StatusCode
}

func startSession(t *testing.T, baseURL, eventID, token string) startResponse {
	t.Helper()
	var start startResponse
	postJSON(t, baseURL+"/attendance-start", "", "", map[string]any{
		"eventId": eventID,
		"token":   token,
	}, &start)
	return start
}

func TestCheckinPipeline(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKPOINT_HTTP_ADDR", "http://127.0.0.1:8084")
	eventID := getenv("SEED_EVENT_ID", "33333333-3333-3333-3333-333333333332")
	bearer := organizerToken(t)

	host, code := rotate(t, baseURL, eventID, bearer, "display-1")
	if code != http.StatusOK {
		t.Fatalf("host rotate status %d", code)
	}
	if host.Token == "" || host.Token == "static" {
		t.Fatalf("expected rotating token, got %q", host.Token)
	}

	// A second display cannot host while the lease is live.
	if _, code := rotate(t, baseURL, eventID, bearer, "display-2"); code != http.StatusConflict {
		t.Fatalf("expected 409 for second display, got %d", code)
	}

	var start startResponse
	postJSON(t, baseURL+"/attendance-start", "", "", map[string]any{
		"eventId": eventID,
		"token":   host.Token,
	}, &start)
	if !start.Authorized || start.SessionID == "" {
		t.Fatalf("expected session, got %+v", start)
	}

	identity := uuid.NewString()
	var submit submitResponse
	postJSON(t, baseURL+"/attendance-submit", "", "", map[string]any{
		"sessionId":      start.SessionID,
		"attendeeName":   "Ada Lovelace",
		"attendeeEmail":  "ada@example.com",
		"clientIdentity": identity,
		"locationDenied": true,
	}, &submit)
	if !submit.Success {
		t.Fatalf("expected submit success, got %+v", submit)
	}

	// The session is single-use.
	postJSON(t, baseURL+"/attendance-submit", "", "", map[string]any{
		"sessionId":      start.SessionID,
		"attendeeName":   "Ada Lovelace",
		"attendeeEmail":  "ada@example.com",
		"clientIdentity": identity,
		"locationDenied": true,
	}, &submit)
	if submit.Success || submit.Reason != "session_used" {
		t.Fatalf("expected session_used, got %+v", submit)
	}

	// A replaced token no longer opens a session.
	staleToken := host.Token
	if _, code := rotate(t, baseURL, eventID, bearer, "display-1"); code != http.StatusOK {
		t.Fatalf("second rotate failed")
	}
	postJSON(t, baseURL+"/attendance-start", "", "", map[string]any{
		"eventId": eventID,
		"token":   staleToken,
	}, &start)
	if start.Authorized || start.Reason != "expired" {
		t.Fatalf("expected expired for stale token, got %+v", start)
	}

	// Same identity again under the seeded permissive policy: flagged, not
	// dropped.
	current, _ := rotate(t, baseURL, eventID, bearer, "display-1")
	postJSON(t, baseURL+"/attendance-start", "", "", map[string]any{
		"eventId": eventID,
		"token":   current.Token,
	}, &start)
	if !start.Authorized {
		t.Fatalf("expected fresh session, got %+v", start)
	}
	postJSON(t, baseURL+"/attendance-submit", "", "", map[string]any{
		"sessionId":      start.SessionID,
		"attendeeName":   "Ada Lovelace",
		"attendeeEmail":  "ada@example.com",
		"clientIdentity": identity,
		"locationDenied": true,
	}, &submit)
	if !submit.Success {
		t.Fatalf("expected permissive duplicate accepted, got %+v", submit)
	}

	// Verify the flag through the organizer listing.
	records, code := listRecords(t, baseURL, eventID, bearer)
	if code != http.StatusOK {
		t.Fatalf("list records status %d", code)
	}
	flagged := 0
	for _, record := range records {
		if record.Status == "suspicious" && record.SuspiciousReason != nil {
			flagged++
		}
	}
	if flagged == 0 {
		t.Fatalf("expected at least one flagged duplicate record")
	}
}

type moderatorStateResponse struct {
	Authorized bool             `json:"authorized"`
	Attendance []recordResponse `json:"attendance"`
	Reason     string           `json:"reason"`
}

type actionResponse struct {
	Success    bool             `json:"success"`
	Error      string           `json:"error"`
	Attendance []recordResponse `json:"attendance"`
}

func TestModerationGate(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKPOINT_HTTP_ADDR", "http://127.0.0.1:8084")
	eventID := getenv("SEED_EVENT_ID", "33333333-3333-3333-3333-333333333332")
	modToken := getenv("SEED_MODERATION_TOKEN", "demo-moderation-token")

	var state moderatorStateResponse
	postJSON(t, baseURL+"/moderator-state", "", "", map[string]any{
		"eventId":           eventID,
		"token":             modToken,
		"includeAttendance": true,
	}, &state)
	if !state.Authorized {
		t.Fatalf("expected moderator access, got %+v", state)
	}

	postJSON(t, baseURL+"/moderator-state", "", "", map[string]any{
		"eventId": eventID,
		"token":   "wrong-token",
	}, &state)
	if state.Authorized || state.Reason != "link_not_found" {
		t.Fatalf("expected link_not_found, got %+v", state)
	}

	var action actionResponse
	name := fmt.Sprintf("Walk-in %d", time.Now().UnixNano())
	postJSON(t, baseURL+"/moderator-action", "", "", map[string]any{
		"eventId":      eventID,
		"token":        modToken,
		"action":       "add_attendee",
		"attendeeName": name,
		"status":       "verified",
	}, &action)
	if !action.Success {
		t.Fatalf("expected manual add, got %+v", action)
	}

	postJSON(t, baseURL+"/moderator-action", "", "", map[string]any{
		"eventId": eventID,
		"token":   modToken,
		"action":  "search_attendees",
		"query":   name,
	}, &action)
	if !action.Success || len(action.Attendance) != 1 {
		t.Fatalf("expected one search hit, got %+v", action)
	}
	added := action.Attendance[0]

	// verified -> cleared is off the transition table.
	postJSON(t, baseURL+"/moderator-action", "", "", map[string]any{
		"eventId":  eventID,
		"token":    modToken,
		"action":   "update_status",
		"recordId": added.ID,
		"status":   "cleared",
	}, &action)
	if action.Success || action.Error != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %+v", action)
	}

	postJSON(t, baseURL+"/moderator-action", "", "", map[string]any{
		"eventId":  eventID,
		"token":    modToken,
		"action":   "update_status",
		"recordId": added.ID,
		"status":   "excused",
	}, &action)
	if !action.Success {
		t.Fatalf("expected verified -> excused, got %+v", action)
	}

	postJSON(t, baseURL+"/moderator-action", "", "", map[string]any{
		"eventId":  eventID,
		"token":    modToken,
		"action":   "delete_record",
		"recordId": added.ID,
	}, &action)
	if !action.Success {
		t.Fatalf("expected delete, got %+v", action)
	}
}

func TestExcuseSubmit(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKPOINT_HTTP_ADDR", "http://127.0.0.1:8084")
	eventID := getenv("SEED_EVENT_ID", "33333333-3333-3333-3333-333333333332")
	excuseToken := getenv("SEED_EXCUSE_TOKEN", "demo-excuse-token")
	email := fmt.Sprintf("excused-%d@example.com", time.Now().UnixNano())

	var submit submitResponse
	postJSON(t, baseURL+"/excuse-submit", "", "", map[string]any{
		"eventId":       eventID,
		"token":         excuseToken,
		"attendeeName":  "Grace Hopper",
		"attendeeEmail": email,
	}, &submit)
	if !submit.Success {
		t.Fatalf("expected excuse accepted, got %+v", submit)
	}

	// Same email twice is a duplicate.
	postJSON(t, baseURL+"/excuse-submit", "", "", map[string]any{
		"eventId":       eventID,
		"token":         excuseToken,
		"attendeeName":  "Grace Hopper",
		"attendeeEmail": email,
	}, &submit)
	if submit.Success || submit.Reason != "already_submitted" {
		t.Fatalf("expected already_submitted, got %+v", submit)
	}
}

func TestStrictIdentityPolicy(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKPOINT_HTTP_ADDR", "http://127.0.0.1:8084")
	eventID := getenv("SEED_STRICT_EVENT_ID", "33333333-3333-3333-3333-333333333335")
	bearer := organizerToken(t)

	// The seeded strict event has rotation disabled.
	start := startSession(t, baseURL, eventID, "static")
	if !start.Authorized || start.SessionID == "" {
		t.Fatalf("expected session, got %+v", start)
	}

	identity := uuid.NewString()
	name := fmt.Sprintf("Strict Attendee %d", time.Now().UnixNano())
	var submit submitResponse
	postJSON(t, baseURL+"/attendance-submit", "", "", map[string]any{
		"sessionId":      start.SessionID,
		"attendeeName":   name,
		"clientIdentity": identity,
	}, &submit)
	if !submit.Success {
		t.Fatalf("expected first submit accepted, got %+v", submit)
	}

	// The second submit from the same device is rejected outright.
	start = startSession(t, baseURL, eventID, "static")
	if !start.Authorized {
		t.Fatalf("expected fresh session, got %+v", start)
	}
	postJSON(t, baseURL+"/attendance-submit", "", "", map[string]any{
		"sessionId":      start.SessionID,
		"attendeeName":   name,
		"clientIdentity": identity,
	}, &submit)
	if submit.Success || submit.Reason != "already_submitted" {
		t.Fatalf("expected already_submitted, got %+v", submit)
	}

	// Exactly one record exists for the attendee.
	records, code := listRecords(t, baseURL, eventID, bearer)
	if code != http.StatusOK {
		t.Fatalf("list records status %d", code)
	}
	count := 0
	for _, record := range records {
		if record.AttendeeName == name {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one record, got %d", count)
	}
}

func TestSubmitExpiredSession(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKPOINT_HTTP_ADDR", "http://127.0.0.1:8084")
	sessionID := getenv("SEED_EXPIRED_SESSION_ID", "33333333-3333-3333-3333-333333333336")

	var submit submitResponse
	postJSON(t, baseURL+"/attendance-submit", "", "", map[string]any{
		"sessionId":      sessionID,
		"attendeeName":   "Late Arrival",
		"clientIdentity": uuid.NewString(),
	}, &submit)
	if submit.Success || submit.Reason != "session_expired" {
		t.Fatalf("expected session_expired, got %+v", submit)
	}
}

func TestOrganizerRequiresWorkspaceClaim(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKPOINT_HTTP_ADDR", "http://127.0.0.1:8084")
	eventID := getenv("SEED_EVENT_ID", "33333333-3333-3333-3333-333333333332")

	// Validly signed, but no workspace claim: scoping must fail closed.
	secret := getenv("JWT_SECRET", "dev-secret")
	claims := auth.Claims{
		UserID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    getenv("JWT_ISSUER", "checkpoint-accounts"),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, code := listRecords(t, baseURL, eventID, token); code != http.StatusForbidden {
		t.Fatalf("expected 403 without workspace claim, got %d", code)
	}
}
