package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/checkpointhq/checkpoint/internal/model"
)

// ErrSessionUsed is returned when the conditional session consume matches no
// row: the session was already spent by a concurrent submit.
var ErrSessionUsed = errors.New("session already used")

// ErrDuplicate is returned when an insert trips the (event_id,
// client_identity) unique index.
var ErrDuplicate = errors.New("duplicate attendance record")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const eventColumns = `
  id, workspace_id, name, active, rotation_enabled, rotation_interval_seconds,
  geofence_enabled, geofence_lat, geofence_lng, geofence_radius_meters,
  identity_collision_strict, moderation_enabled, excuse_enabled,
  require_email, brand_color, created_at, updated_at`

func (s *Store) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	var event model.Event
	row := s.pool.QueryRow(ctx, `
    SELECT`+eventColumns+`
    FROM events
    WHERE id = $1
  `, eventID)
	err := row.Scan(
		&event.ID,
		&event.WorkspaceID,
		&event.Name,
		&event.Active,
		&event.RotationEnabled,
		&event.RotationIntervalSeconds,
		&event.GeofenceEnabled,
		&event.GeofenceLat,
		&event.GeofenceLng,
		&event.GeofenceRadiusMeters,
		&event.IdentityCollisionStrict,
		&event.ModerationEnabled,
		&event.ExcuseEnabled,
		&event.RequireEmail,
		&event.BrandColor,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	return event, err
}

func (s *Store) CreateSession(ctx context.Context, session model.CheckinSession) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO checkin_sessions (id, event_id, token_snapshot, created_at, expires_at, used_at)
    VALUES ($1, $2, $3, $4, $5, $6)
  `, session.ID, session.EventID, session.TokenSnapshot, session.CreatedAt, session.ExpiresAt, session.UsedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.CheckinSession, error) {
	var session model.CheckinSession
	row := s.pool.QueryRow(ctx, `
    SELECT id, event_id, token_snapshot, created_at, expires_at, used_at
    FROM checkin_sessions
    WHERE id = $1
  `, sessionID)
	err := row.Scan(&session.ID, &session.EventID, &session.TokenSnapshot, &session.CreatedAt, &session.ExpiresAt, &session.UsedAt)
	return session, err
}

// CreateRecordWithSession inserts the attendance record and spends the session
// in one transaction. The conditional used_at update is the single-use guard;
// the unique index on (event_id, client_identity) is the duplicate guard. A
// race lost on either side rolls back the whole unit.
func (s *Store) CreateRecordWithSession(ctx context.Context, record model.AttendanceRecord, sessionID string, usedAt time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
      UPDATE checkin_sessions
      SET used_at = $1
      WHERE id = $2 AND used_at IS NULL
    `, usedAt, sessionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrSessionUsed
		}
		_, err = tx.Exec(ctx, `
      INSERT INTO attendance_records (id, event_id, attendee_name, attendee_email, client_identity,
        location_provided, lat, lng, status, suspicious_reason, recorded_at)
      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `, record.ID, record.EventID, record.AttendeeName, record.AttendeeEmail, record.ClientIdentity,
			record.LocationProvided, record.Lat, record.Lng, record.Status, record.SuspiciousReason, record.RecordedAt)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

func (s *Store) CreateRecord(ctx context.Context, record model.AttendanceRecord) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO attendance_records (id, event_id, attendee_name, attendee_email, client_identity,
      location_provided, lat, lng, status, suspicious_reason, recorded_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
  `, record.ID, record.EventID, record.AttendeeName, record.AttendeeEmail, record.ClientIdentity,
		record.LocationProvided, record.Lat, record.Lng, record.Status, record.SuspiciousReason, record.RecordedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const recordColumns = `
  id, event_id, attendee_name, attendee_email, client_identity,
  location_provided, lat, lng, status, suspicious_reason, recorded_at`

func (s *Store) GetRecord(ctx context.Context, recordID string) (model.AttendanceRecord, error) {
	row := s.pool.QueryRow(ctx, `
    SELECT`+recordColumns+`
    FROM attendance_records
    WHERE id = $1
  `, recordID)
	return scanRecord(row)
}

func (s *Store) GetRecordByIdentity(ctx context.Context, eventID, clientIdentity string) (model.AttendanceRecord, error) {
	row := s.pool.QueryRow(ctx, `
    SELECT`+recordColumns+`
    FROM attendance_records
    WHERE event_id = $1 AND client_identity = $2
  `, eventID, clientIdentity)
	return scanRecord(row)
}

func (s *Store) GetRecordByEmail(ctx context.Context, eventID, email string) (model.AttendanceRecord, error) {
	row := s.pool.QueryRow(ctx, `
    SELECT`+recordColumns+`
    FROM attendance_records
    WHERE event_id = $1 AND lower(attendee_email) = lower($2)
    LIMIT 1
  `, eventID, email)
	return scanRecord(row)
}

func (s *Store) ListRecords(ctx context.Context, eventID string) ([]model.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT`+recordColumns+`
    FROM attendance_records
    WHERE event_id = $1
    ORDER BY recorded_at ASC
  `, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) SearchRecordsByName(ctx context.Context, eventID, fragment string) ([]model.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT`+recordColumns+`
    FROM attendance_records
    WHERE event_id = $1 AND attendee_name ILIKE '%' || $2 || '%'
    ORDER BY attendee_name ASC
    LIMIT 50
  `, eventID, fragment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) UpdateRecordStatus(ctx context.Context, recordID string, status model.Status, reason *string) error {
	_, err := s.pool.Exec(ctx, `
    UPDATE attendance_records
    SET status = $1, suspicious_reason = $2
    WHERE id = $3
  `, status, reason, recordID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) DeleteRecord(ctx context.Context, recordID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM attendance_records WHERE id = $1`, recordID)
	return err
}

func (s *Store) GetModerationLink(ctx context.Context, eventID, token string) (model.ModerationLink, error) {
	return s.getLink(ctx, "moderation_links", eventID, token)
}

func (s *Store) GetExcuseLink(ctx context.Context, eventID, token string) (model.ModerationLink, error) {
	return s.getLink(ctx, "excuse_links", eventID, token)
}

func (s *Store) getLink(ctx context.Context, table, eventID, token string) (model.ModerationLink, error) {
	var link model.ModerationLink
	row := s.pool.QueryRow(ctx, `
    SELECT id, event_id, token, label, is_active, expires_at, created_at
    FROM `+table+`
    WHERE event_id = $1 AND token = $2
  `, eventID, token)
	err := row.Scan(&link.ID, &link.EventID, &link.Token, &link.Label, &link.IsActive, &link.ExpiresAt, &link.CreatedAt)
	return link, err
}

// DeleteExpiredSessions removes sessions whose expiry lapsed before the
// cutoff. Liveness only; correctness never depends on it.
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
    DELETE FROM checkin_sessions
    WHERE expires_at < $1
  `, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func scanRecord(row pgx.Row) (model.AttendanceRecord, error) {
	var record model.AttendanceRecord
	err := row.Scan(
		&record.ID,
		&record.EventID,
		&record.AttendeeName,
		&record.AttendeeEmail,
		&record.ClientIdentity,
		&record.LocationProvided,
		&record.Lat,
		&record.Lng,
		&record.Status,
		&record.SuspiciousReason,
		&record.RecordedAt,
	)
	return record, err
}

func collectRecords(rows pgx.Rows) ([]model.AttendanceRecord, error) {
	records := make([]model.AttendanceRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
