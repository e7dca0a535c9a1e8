// Package lock grants advisory, exclusive editing locks on document
// sections. Cross-client exclusivity lives in the storage layer's unique
// (document, section) key; the manager adds staleness, authorization for
// force release, and change-feed publication.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"folio/api/internal/notify"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

var (
	// ErrNotHeld is returned by Touch when the caller no longer holds the
	// section; the client must stop assuming ownership.
	ErrNotHeld = errors.New("section not held by caller")
	// ErrForbidden is returned by ForceRelease when the actor's rank does
	// not cover the holder.
	ErrForbidden = errors.New("insufficient rank to force release")
)

// HeldError reports a denied acquire and carries the current holder so the
// caller can render "being edited by X". A zero Holder means the slot was
// contended but the winner could not be read back.
type HeldError struct {
	Holder store.EditingSession
}

func (e *HeldError) Error() string {
	if e.Holder.UserID == "" {
		return "section locked"
	}
	return fmt.Sprintf("section locked by %s", e.Holder.UserID)
}

type Store interface {
	AcquireSession(ctx context.Context, session store.EditingSession, staleAfter time.Duration) (store.EditingSession, bool, error)
	TouchSession(ctx context.Context, documentID, userID, sectionID string, cursor map[string]any) (bool, error)
	DeleteOwnSession(ctx context.Context, documentID, userID, sectionID string) (bool, error)
	DeleteSessionByID(ctx context.Context, sessionID string) (store.EditingSession, error)
	ListSessions(ctx context.Context, documentID string) ([]store.EditingSession, error)
}

type publisher interface {
	Publish(ctx context.Context, event notify.Event) error
}

type Manager struct {
	store      Store
	events     publisher
	staleAfter time.Duration
}

func NewManager(s Store, events publisher, staleAfter time.Duration) *Manager {
	return &Manager{store: s, events: events, staleAfter: staleAfter}
}

// Stale reports whether a session has gone idle past threshold. Derived by
// every reader rather than stored, so writer and reader clocks never fight.
func Stale(session store.EditingSession, now time.Time, threshold time.Duration) bool {
	return now.Sub(session.LastActivity) > threshold
}

func (m *Manager) IsStale(session store.EditingSession, now time.Time) bool {
	return Stale(session, now, m.staleAfter)
}

func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

// Acquire takes the (document, section) lock for user. Succeeds when the
// slot is free, already the caller's (idempotent refresh), or stale; a denial
// returns *HeldError with the current holder. A transport failure means not
// acquired.
func (m *Manager) Acquire(ctx context.Context, documentID, userID, userName, sectionID, sectionType string) (store.EditingSession, error) {
	session := store.EditingSession{
		ID:          util.NewID("es"),
		DocumentID:  documentID,
		UserID:      userID,
		UserName:    userName,
		SectionID:   sectionID,
		SectionType: sectionType,
	}

	granted, acquired, err := m.store.AcquireSession(ctx, session, m.staleAfter)
	if err != nil {
		return store.EditingSession{}, fmt.Errorf("acquire %s/%s: %w", documentID, sectionID, err)
	}
	if !acquired {
		return store.EditingSession{}, &HeldError{Holder: granted}
	}

	m.publish(ctx, notify.Event{
		DocumentID: documentID,
		Kind:       notify.KindLock,
		Action:     notify.ActionChanged,
		SectionID:  sectionID,
		UserID:     userID,
	})
	return granted, nil
}

// Touch renews the caller's lock on the heartbeat cadence and optionally
// updates the cursor payload.
func (m *Manager) Touch(ctx context.Context, documentID, userID, sectionID string, cursor map[string]any) error {
	held, err := m.store.TouchSession(ctx, documentID, userID, sectionID, cursor)
	if err != nil {
		return fmt.Errorf("touch %s/%s: %w", documentID, sectionID, err)
	}
	if !held {
		return ErrNotHeld
	}
	return nil
}

// Release drops the caller's own lock. Releasing a section the caller does
// not hold is a no-op; cleanup paths run best-effort.
func (m *Manager) Release(ctx context.Context, documentID, userID, sectionID string) error {
	deleted, err := m.store.DeleteOwnSession(ctx, documentID, userID, sectionID)
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", documentID, sectionID, err)
	}
	if deleted {
		m.publish(ctx, notify.Event{
			DocumentID: documentID,
			Kind:       notify.KindLock,
			Action:     notify.ActionRemoved,
			SectionID:  sectionID,
			UserID:     userID,
		})
	}
	return nil
}

// ForceRelease removes a session regardless of holder. The rank check runs
// here, not only in the transport layer, so no caller can skip it. The
// targeted session is gone on success even if it had already disappeared.
func (m *Manager) ForceRelease(ctx context.Context, sessionID string, actorRole, holderRole rbac.Role) error {
	if !rbac.CanForceRelease(actorRole, holderRole) {
		return ErrForbidden
	}

	removed, err := m.store.DeleteSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("force release %s: %w", sessionID, err)
	}

	m.publish(ctx, notify.Event{
		DocumentID: removed.DocumentID,
		Kind:       notify.KindLock,
		Action:     notify.ActionRemoved,
		SectionID:  removed.SectionID,
		UserID:     removed.UserID,
	})
	return nil
}

func (m *Manager) List(ctx context.Context, documentID string) ([]store.EditingSession, error) {
	sessions, err := m.store.ListSessions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list locks %s: %w", documentID, err)
	}
	return sessions, nil
}

// publish is fail-open: a missed event costs one reload, never the lock.
func (m *Manager) publish(ctx context.Context, event notify.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, event); err != nil {
		log.Printf("lock: publish %s/%s failed: %v", event.DocumentID, event.SectionID, err)
	}
}
