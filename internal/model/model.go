package model

import "time"

// Status values an attendance record can carry. Verified and suspicious are
// assigned by the submission verifier; cleared and excused only ever come
// from a human reviewer.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusSuspicious Status = "suspicious"
	StatusCleared    Status = "cleared"
	StatusExcused    Status = "excused"
)

// CollisionPolicy decides what happens when two submissions share a client
// identity for the same event.
type CollisionPolicy string

const (
	// CollisionStrict rejects the second submission outright.
	CollisionStrict CollisionPolicy = "strict"
	// CollisionFlag records the second submission as suspicious.
	CollisionFlag CollisionPolicy = "flag"
)

type Event struct {
	ID                      string
	WorkspaceID             string
	Name                    string
	Active                  bool
	RotationEnabled         bool
	RotationIntervalSeconds int
	GeofenceEnabled         bool
	GeofenceLat             float64
	GeofenceLng             float64
	GeofenceRadiusMeters    float64
	IdentityCollisionStrict bool
	ModerationEnabled       bool
	ExcuseEnabled           bool
	RequireEmail            bool
	BrandColor              *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CollisionPolicy maps the stored flag onto the policy value the verifier
// branches on.
func (e Event) CollisionPolicy() CollisionPolicy {
	if e.IdentityCollisionStrict {
		return CollisionStrict
	}
	return CollisionFlag
}

type CheckinSession struct {
	ID            string
	EventID       string
	TokenSnapshot string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
}

type AttendanceRecord struct {
	ID               string
	EventID          string
	AttendeeName     string
	AttendeeEmail    string
	ClientIdentity   string
	LocationProvided bool
	Lat              *float64
	Lng              *float64
	Status           Status
	SuspiciousReason *string
	RecordedAt       time.Time
}

// ModerationLink is a bearer-token capability scoped to one event. The same
// shape backs excuse links; only the table differs.
type ModerationLink struct {
	ID        string
	EventID   string
	Token     string
	Label     string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// allowedTransitions is the full status state machine. Every edge represents
// a reversible human judgment, never an append-only log entry.
var allowedTransitions = map[Status][]Status{
	StatusSuspicious: {StatusCleared},
	StatusCleared:    {StatusSuspicious},
	StatusVerified:   {StatusExcused},
	StatusExcused:    {StatusVerified},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a caller-supplied status string.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusVerified, StatusSuspicious, StatusCleared, StatusExcused:
		return Status(value), true
	default:
		return "", false
	}
}

// ClearsReason reports whether a transition must drop the suspicious reason.
// Leaving suspicious in any direction makes the reason stale.
func ClearsReason(from, to Status) bool {
	return from == StatusSuspicious || to == StatusCleared
}
