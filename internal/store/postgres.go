package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- Editing sessions ----

const sessionColumns = `id, document_id, user_id, user_name, section_id, section_type, locked_at, last_activity, cursor_position`

// AcquireSession attempts the exclusive upsert on (document_id, section_id).
// The insert wins when the slot is empty; the update fires only when the
// existing row belongs to the same user (refresh) or has gone stale. The
// database is the lock authority: under concurrent acquires for the same
// free section, exactly one caller gets a row back. When no row comes back
// the current holder is returned with acquired=false.
func (s *PostgresStore) AcquireSession(ctx context.Context, session EditingSession, staleAfter time.Duration) (EditingSession, bool, error) {
	cursor, err := json.Marshal(session.CursorPosition)
	if err != nil {
		return EditingSession{}, false, fmt.Errorf("marshal cursor: %w", err)
	}
	if session.CursorPosition == nil {
		cursor = []byte(`{}`)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO editing_sessions (id, document_id, user_id, user_name, section_id, section_type, locked_at, last_activity, cursor_position)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), $7)
		ON CONFLICT (document_id, section_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
			user_name = EXCLUDED.user_name,
			section_type = EXCLUDED.section_type,
			locked_at = CASE
				WHEN editing_sessions.user_id = EXCLUDED.user_id THEN editing_sessions.locked_at
				ELSE NOW()
			END,
			last_activity = NOW(),
			cursor_position = EXCLUDED.cursor_position
		WHERE editing_sessions.user_id = EXCLUDED.user_id
			OR editing_sessions.last_activity < NOW() - make_interval(secs => $8)
		RETURNING `+sessionColumns,
		session.ID, session.DocumentID, session.UserID, session.UserName,
		session.SectionID, session.SectionType, cursor, staleAfter.Seconds(),
	)

	acquired, err := scanSession(row)
	if err == nil {
		return acquired, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return EditingSession{}, false, fmt.Errorf("acquire session: %w", err)
	}

	holder, err := s.GetSession(ctx, session.DocumentID, session.SectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Holder released between the upsert and the read; treat as a
			// transient miss and let the client retry on its next beat.
			return EditingSession{}, false, nil
		}
		return EditingSession{}, false, err
	}
	return holder, false, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, documentID, sectionID string) (EditingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM editing_sessions
		WHERE document_id=$1 AND section_id=$2
	`, documentID, sectionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EditingSession{}, err
		}
		return EditingSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, documentID string) ([]EditingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM editing_sessions
		WHERE document_id=$1
		ORDER BY section_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]EditingSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

// TouchSession bumps last_activity on the caller's own lock. Returns false
// when the caller no longer holds the section.
func (s *PostgresStore) TouchSession(ctx context.Context, documentID, userID, sectionID string, cursor map[string]any) (bool, error) {
	query := `
		UPDATE editing_sessions
		SET last_activity = NOW()
		WHERE document_id=$1 AND section_id=$2 AND user_id=$3
	`
	args := []any{documentID, sectionID, userID}
	if cursor != nil {
		encoded, err := json.Marshal(cursor)
		if err != nil {
			return false, fmt.Errorf("marshal cursor: %w", err)
		}
		query = `
			UPDATE editing_sessions
			SET last_activity = NOW(), cursor_position = $4
			WHERE document_id=$1 AND section_id=$2 AND user_id=$3
		`
		args = append(args, encoded)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch session rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteOwnSession(ctx context.Context, documentID, userID, sectionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM editing_sessions
		WHERE document_id=$1 AND section_id=$2 AND user_id=$3
	`, documentID, sectionID, userID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteSessionByID removes a session unconditionally (force release).
// Returns the removed row so the caller can publish the change.
func (s *PostgresStore) DeleteSessionByID(ctx context.Context, sessionID string) (EditingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM editing_sessions
		WHERE id=$1
		RETURNING `+sessionColumns,
		sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EditingSession{}, err
		}
		return EditingSession{}, fmt.Errorf("force delete session: %w", err)
	}
	return session, nil
}

// DeleteStaleSessions removes every session idle past staleAfter and returns
// the removed rows. Idempotent: a second run with no intervening activity
// deletes nothing.
func (s *PostgresStore) DeleteStaleSessions(ctx context.Context, staleAfter time.Duration) ([]EditingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM editing_sessions
		WHERE last_activity < NOW() - make_interval(secs => $1)
		RETURNING `+sessionColumns,
		staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("delete stale sessions: %w", err)
	}
	defer rows.Close()

	items := make([]EditingSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		items = append(items, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (EditingSession, error) {
	var session EditingSession
	var cursor []byte
	err := row.Scan(
		&session.ID, &session.DocumentID, &session.UserID, &session.UserName,
		&session.SectionID, &session.SectionType, &session.LockedAt,
		&session.LastActivity, &cursor,
	)
	if err != nil {
		return EditingSession{}, err
	}
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &session.CursorPosition); err != nil {
			return EditingSession{}, fmt.Errorf("decode cursor: %w", err)
		}
	}
	return session, nil
}

// ---- Presence ----

func (s *PostgresStore) UpsertPresence(ctx context.Context, record PresenceRecord) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if record.Metadata == nil {
		metadata = []byte(`{}`)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presence_records (id, document_id, user_id, user_name, last_seen, is_online, current_section, metadata)
		VALUES ($1, $2, $3, $4, NOW(), $5, $6, $7)
		ON CONFLICT (document_id, user_id) DO UPDATE
		SET last_seen = NOW(),
			is_online = EXCLUDED.is_online,
			user_name = EXCLUDED.user_name,
			current_section = EXCLUDED.current_section,
			metadata = EXCLUDED.metadata
	`, record.ID, record.DocumentID, record.UserID, record.UserName,
		record.IsOnline, record.CurrentSection, metadata)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// SetPresenceOffline flips is_online without disturbing the row's name,
// section, or metadata, which the "recently seen" affordance still displays.
// A missing row is a no-op: there is nothing to show offline.
func (s *PostgresStore) SetPresenceOffline(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE presence_records
		SET is_online = FALSE, last_seen = NOW()
		WHERE document_id = $1 AND user_id = $2
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("set presence offline: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPresence(ctx context.Context, documentID string) ([]PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, user_name, last_seen, is_online, current_section, metadata
		FROM presence_records
		WHERE document_id=$1
		ORDER BY last_seen DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	items := make([]PresenceRecord, 0)
	for rows.Next() {
		var record PresenceRecord
		var metadata []byte
		if err := rows.Scan(
			&record.ID, &record.DocumentID, &record.UserID, &record.UserName,
			&record.LastSeen, &record.IsOnline, &record.CurrentSection, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteStalePresence(ctx context.Context, horizon time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM presence_records
		WHERE last_seen < NOW() - make_interval(secs => $1)
	`, horizon.Seconds())
	if err != nil {
		return 0, fmt.Errorf("delete stale presence: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale presence rows: %w", err)
	}
	return affected, nil
}

// ---- Collaborators ----

func (s *PostgresStore) GetCollaborator(ctx context.Context, documentID, userID string) (Collaborator, error) {
	var item Collaborator
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, user_id, user_name, role, added_by, added_at
		FROM collaborators
		WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(
		&item.ID, &item.DocumentID, &item.UserID, &item.UserName,
		&item.Role, &item.AddedBy, &item.AddedAt,
	)
	if err != nil {
		return Collaborator{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, user_name, role, added_by, added_at
		FROM collaborators
		WHERE document_id=$1
		ORDER BY added_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(
			&item.ID, &item.DocumentID, &item.UserID, &item.UserName,
			&item.Role, &item.AddedBy, &item.AddedAt,
		); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, item Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (id, document_id, user_id, user_name, role, added_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, user_id) DO UPDATE
		SET role = EXCLUDED.role, user_name = EXCLUDED.user_name
	`, item.ID, item.DocumentID, item.UserID, item.UserName, item.Role, item.AddedBy)
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCollaboratorRole(ctx context.Context, documentID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collaborators SET role=$3 WHERE document_id=$1 AND user_id=$2
	`, documentID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update collaborator role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update collaborator rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteCollaborator(ctx context.Context, documentID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM collaborators WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return false, fmt.Errorf("delete collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete collaborator rows: %w", err)
	}
	return affected > 0, nil
}

// ---- Invitations ----

const invitationColumns = `id, document_id, inviter_id, invitee_id, invitee_email, role, message, token_hash, status, created_at, expires_at`

func (s *PostgresStore) InsertInvitation(ctx context.Context, item Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, document_id, inviter_id, invitee_id, invitee_email, role, message, token_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)
	`, item.ID, item.DocumentID, item.InviterID, item.InviteeID,
		item.InviteeEmail, item.Role, item.Message, item.TokenHash, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInvitations(ctx context.Context, documentID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE document_id=$1 AND status IN ('pending', 'expired')
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		item, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE token_hash=$1
	`, tokenHash)
	item, err := scanInvitation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invitation{}, err
		}
		return Invitation{}, fmt.Errorf("get invitation: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateInvitationStatus(ctx context.Context, invitationID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status=$2 WHERE id=$1
	`, invitationID, status)
	if err != nil {
		return fmt.Errorf("update invitation status: %w", err)
	}
	return nil
}

func scanInvitation(row rowScanner) (Invitation, error) {
	var item Invitation
	err := row.Scan(
		&item.ID, &item.DocumentID, &item.InviterID, &item.InviteeID,
		&item.InviteeEmail, &item.Role, &item.Message, &item.TokenHash,
		&item.Status, &item.CreatedAt, &item.ExpiresAt,
	)
	if err != nil {
		return Invitation{}, err
	}
	return item, nil
}
