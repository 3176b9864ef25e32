// Package sqlite provides the SQLite-backed durable store for call records,
// meetings, notifications and last-seen presence.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/huddle/internal/adapters/store/sqlite/migrations"
	"github.com/dkeye/huddle/internal/domain"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

type Store struct {
	sqlDB *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) CreateCallSession(ctx context.Context, sess *domain.CallSession) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO call_sessions (
		   id, caller_id, receiver_id, kind, state, workspace_id,
		   created_at, started_at, ended_at, duration_sec
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID),
		string(sess.CallerID),
		string(sess.ReceiverID),
		string(sess.Kind),
		string(sess.State),
		sess.WorkspaceID,
		toMillis(sess.CreatedAt),
		nullMillis(sess.StartedAt),
		nullMillis(sess.EndedAt),
		sess.DurationSec,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("call %s: %w", sess.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create call session: %w", err)
	}
	return nil
}

func (s *Store) GetCallSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, caller_id, receiver_id, kind, state, workspace_id,
		        created_at, started_at, ended_at, duration_sec
		   FROM call_sessions
		  WHERE id = ?`,
		string(id),
	)
	var (
		sess      domain.CallSession
		createdAt int64
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
	)
	err := row.Scan(
		&sess.ID,
		&sess.CallerID,
		&sess.ReceiverID,
		&sess.Kind,
		&sess.State,
		&sess.WorkspaceID,
		&createdAt,
		&startedAt,
		&endedAt,
		&sess.DurationSec,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get call session: %w", err)
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.StartedAt = timePtr(startedAt)
	sess.EndedAt = timePtr(endedAt)
	return &sess, nil
}

// UpdateCallSession writes only the fields set in upd.
func (s *Store) UpdateCallSession(ctx context.Context, id domain.CallID, upd domain.CallUpdate) error {
	var duration sql.NullInt64
	if upd.DurationSec != nil {
		duration = sql.NullInt64{Int64: *upd.DurationSec, Valid: true}
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE call_sessions
		    SET state = COALESCE(NULLIF(?, ''), state),
		        started_at = COALESCE(?, started_at),
		        ended_at = COALESCE(?, ended_at),
		        duration_sec = COALESCE(?, duration_sec)
		  WHERE id = ?`,
		string(upd.State),
		nullMillis(upd.StartedAt),
		nullMillis(upd.EndedAt),
		duration,
		string(id),
	)
	if err != nil {
		return fmt.Errorf("update call session: %w", err)
	}
	return expectOne(res)
}

func (s *Store) CreateMeeting(ctx context.Context, m *domain.Meeting) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create meeting: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meetings (
		   id, title, description, workspace_id, creator_id, scheduled_at,
		   duration_min, link_token, max_participants, status, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID),
		m.Title,
		m.Description,
		m.WorkspaceID,
		string(m.CreatorID),
		toMillis(m.ScheduledAt),
		m.DurationMin,
		m.LinkToken,
		m.MaxParticipants,
		string(m.Status),
		toMillis(m.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("meeting %s: %w", m.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create meeting: %w", err)
	}
	for i, p := range m.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meeting_participants (meeting_id, user_id, status, position, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			string(m.ID), string(p.UserID), string(p.Status), i, toMillis(p.UpdatedAt),
		); err != nil {
			return fmt.Errorf("create meeting participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create meeting: %w", err)
	}
	return nil
}

func (s *Store) GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	return s.getMeeting(ctx, "id = ?", string(id))
}

func (s *Store) GetMeetingByLink(ctx context.Context, token string) (*domain.Meeting, error) {
	return s.getMeeting(ctx, "link_token = ?", token)
}

func (s *Store) getMeeting(ctx context.Context, where string, arg string) (*domain.Meeting, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, title, description, workspace_id, creator_id, scheduled_at,
		        duration_min, link_token, max_participants, status, created_at
		   FROM meetings
		  WHERE `+where,
		arg,
	)
	var (
		m           domain.Meeting
		scheduledAt int64
		createdAt   int64
	)
	err := row.Scan(
		&m.ID,
		&m.Title,
		&m.Description,
		&m.WorkspaceID,
		&m.CreatorID,
		&scheduledAt,
		&m.DurationMin,
		&m.LinkToken,
		&m.MaxParticipants,
		&m.Status,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	m.ScheduledAt = fromMillis(scheduledAt)
	m.CreatedAt = fromMillis(createdAt)

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, status, updated_at
		   FROM meeting_participants
		  WHERE meeting_id = ?
		  ORDER BY position ASC`,
		string(m.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("list meeting participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p         domain.MeetingParticipant
			updatedAt int64
		)
		if err := rows.Scan(&p.UserID, &p.Status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan meeting participant: %w", err)
		}
		p.UpdatedAt = fromMillis(updatedAt)
		m.Participants = append(m.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meeting participants: %w", err)
	}
	return &m, nil
}

func (s *Store) UpdateMeetingStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus) error {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE meetings SET status = ? WHERE id = ?`, string(status), string(id))
	if err != nil {
		return fmt.Errorf("update meeting status: %w", err)
	}
	return expectOne(res)
}

func (s *Store) UpsertParticipantStatus(ctx context.Context, id domain.MeetingID, user domain.UserID, status domain.ParticipantStatus) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO meeting_participants (meeting_id, user_id, status, position, updated_at)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM meeting_participants WHERE meeting_id = ?), ?)
		 ON CONFLICT (meeting_id, user_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		string(id), string(user), string(status), string(id), toMillis(time.Now()),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("upsert meeting participant: %w", err)
	}
	return nil
}

func (s *Store) MeetingsWithParticipantStatus(ctx context.Context, user domain.UserID, status domain.ParticipantStatus) ([]domain.MeetingID, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT meeting_id
		   FROM meeting_participants
		  WHERE user_id = ? AND status = ?
		  ORDER BY meeting_id ASC`,
		string(user), string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list meetings by participant: %w", err)
	}
	defer rows.Close()
	var out []domain.MeetingID
	for rows.Next() {
		var id domain.MeetingID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan meeting id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_id, kind, message, related_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.RecipientID), string(n.Kind), n.Message, n.RelatedID, toMillis(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// Notifications lists a recipient's notifications, oldest first.
func (s *Store) Notifications(ctx context.Context, user domain.UserID) ([]domain.Notification, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, recipient_id, kind, message, related_id, created_at
		   FROM notifications
		  WHERE recipient_id = ?
		  ORDER BY created_at ASC, id ASC`,
		string(user),
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var (
			n         domain.Notification
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Message, &n.RelatedID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.CreatedAt = fromMillis(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePresence(ctx context.Context, user domain.UserID, status domain.PresenceStatus, lastSeen time.Time) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_presence (user_id, status, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen
		 WHERE excluded.last_seen >= user_presence.last_seen`,
		string(user), string(status), toMillis(lastSeen),
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// Presence returns the last recorded status for user.
func (s *Store) Presence(ctx context.Context, user domain.UserID) (domain.PresenceStatus, time.Time, error) {
	var (
		status   domain.PresenceStatus
		lastSeen int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT status, last_seen FROM user_presence WHERE user_id = ?`, string(user),
	).Scan(&status, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get presence: %w", err)
	}
	return status, fromMillis(lastSeen), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
