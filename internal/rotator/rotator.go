package rotator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StaticToken is the sentinel accepted when rotation is disabled for an
// event. It never expires and never touches the store.
const StaticToken = "static"

// ErrLeaseHeld means another device currently hosts the event display.
var ErrLeaseHeld = errors.New("host lease held by another device")

// TokenStore holds the rotation state shared by every server instance. The
// lease key carries the holder's device id with a TTL; the token key carries
// the current token with a TTL equal to the rotation interval, so replacing
// it invalidates the previous token for every reader at once.
type TokenStore interface {
	AcquireLease(ctx context.Context, eventID, deviceID string, ttl time.Duration) (holder string, err error)
	ReleaseLease(ctx context.Context, eventID, deviceID string) error
	SetToken(ctx context.Context, eventID, token string, ttl time.Duration) error
	GetToken(ctx context.Context, eventID string) (token string, remaining time.Duration, ok bool, err error)
}

type Rotator struct {
	store    TokenStore
	leaseTTL time.Duration
}

func New(store TokenStore, leaseTTL time.Duration) *Rotator {
	return &Rotator{store: store, leaseTTL: leaseTTL}
}

// AcquireHostLease claims or renews the exclusive host slot for an event.
// A lapsed lease is free for anyone; a live lease only renews for its holder.
func (r *Rotator) AcquireHostLease(ctx context.Context, eventID, deviceID string) error {
	holder, err := r.store.AcquireLease(ctx, eventID, deviceID, r.leaseTTL)
	if err != nil {
		return err
	}
	if holder != deviceID {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseHostLease frees the slot if the caller holds it. Releasing a lease
// held by someone else is a no-op.
func (r *Rotator) ReleaseHostLease(ctx context.Context, eventID, deviceID string) error {
	return r.store.ReleaseLease(ctx, eventID, deviceID)
}

// Rotate replaces the current token with a fresh one valid for the event's
// rotation interval. Only the lease holder may rotate; the call renews the
// lease as a side effect so a polling display keeps its slot.
func (r *Rotator) Rotate(ctx context.Context, eventID, deviceID string, interval time.Duration) (string, time.Time, error) {
	if err := r.AcquireHostLease(ctx, eventID, deviceID); err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	token, err := NewToken(now)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := r.store.SetToken(ctx, eventID, token, interval); err != nil {
		return "", time.Time{}, err
	}
	return token, now.Add(interval), nil
}

// Current returns the live token and its expiry, if any.
func (r *Rotator) Current(ctx context.Context, eventID string) (string, time.Time, bool, error) {
	token, remaining, ok, err := r.store.GetToken(ctx, eventID)
	if err != nil || !ok {
		return "", time.Time{}, false, err
	}
	return token, time.Now().UTC().Add(remaining), true, nil
}

// NewToken builds an unguessable token that embeds its issue timestamp, so a
// reader without TTL metadata can still bound its validity.
func NewToken(now time.Time) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%d", base64.RawURLEncoding.EncodeToString(buf), now.Unix()), nil
}

// IssuedAt extracts the timestamp embedded in a rotating token.
func IssuedAt(token string) (time.Time, bool) {
	idx := strings.LastIndex(token, ".")
	if idx < 0 {
		return time.Time{}, false
	}
	seconds, err := strconv.ParseInt(token[idx+1:], 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}
