// Package presence tracks which users are currently viewing a document.
// Rows are written through to shared storage on every heartbeat; "online" is
// always recomputed from last_seen because a crashed client never gets to
// flip its own flag.
package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"folio/api/internal/notify"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

type Store interface {
	UpsertPresence(ctx context.Context, record store.PresenceRecord) error
	SetPresenceOffline(ctx context.Context, documentID, userID string) error
	ListPresence(ctx context.Context, documentID string) ([]store.PresenceRecord, error)
}

type publisher interface {
	Publish(ctx context.Context, event notify.Event) error
}

// Entry is a presence row annotated with the derived display state.
type Entry struct {
	store.PresenceRecord
	Online    bool
	ActiveNow bool
}

type Tracker struct {
	store        Store
	events       publisher
	onlineWindow time.Duration
	activeWindow time.Duration
}

func NewTracker(s Store, events publisher, onlineWindow, activeWindow time.Duration) *Tracker {
	return &Tracker{store: s, events: events, onlineWindow: onlineWindow, activeWindow: activeWindow}
}

// OnlineAt is the derived-online rule: the stored flag is necessary but not
// sufficient, the row must also be fresh.
func OnlineAt(record store.PresenceRecord, now time.Time, window time.Duration) bool {
	return record.IsOnline && now.Sub(record.LastSeen) < window
}

// MarkOnline upserts the caller's presence row. Idempotent; issued on view
// open and on every heartbeat.
func (t *Tracker) MarkOnline(ctx context.Context, documentID, userID, userName, section string, metadata map[string]any) error {
	record := store.PresenceRecord{
		ID:         util.NewID("pr"),
		DocumentID: documentID,
		UserID:     userID,
		UserName:   userName,
		IsOnline:   true,
		Metadata:   metadata,
	}
	if section != "" {
		record.CurrentSection = &section
	}
	if err := t.store.UpsertPresence(ctx, record); err != nil {
		return fmt.Errorf("mark online %s/%s: %w", documentID, userID, err)
	}
	t.publish(ctx, documentID, userID)
	return nil
}

// MarkOffline records an orderly departure. Only the online flag and
// last_seen change; the name, section, and metadata stay for the
// "recently seen" affordance until the reaper's horizon.
func (t *Tracker) MarkOffline(ctx context.Context, documentID, userID string) error {
	if err := t.store.SetPresenceOffline(ctx, documentID, userID); err != nil {
		return fmt.Errorf("mark offline %s/%s: %w", documentID, userID, err)
	}
	t.publish(ctx, documentID, userID)
	return nil
}

// List returns presence for everyone except the caller, limited to rows seen
// within the online window. ActiveNow marks the tighter sub-window used to
// distinguish "active now" from "recently seen".
func (t *Tracker) List(ctx context.Context, documentID, exceptUserID string, now time.Time) ([]Entry, error) {
	records, err := t.store.ListPresence(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list presence %s: %w", documentID, err)
	}

	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		if record.UserID == exceptUserID {
			continue
		}
		if now.Sub(record.LastSeen) >= t.onlineWindow {
			continue
		}
		entries = append(entries, Entry{
			PresenceRecord: record,
			Online:         OnlineAt(record, now, t.onlineWindow),
			ActiveNow:      OnlineAt(record, now, t.activeWindow),
		})
	}
	return entries, nil
}

func (t *Tracker) publish(ctx context.Context, documentID, userID string) {
	if t.events == nil {
		return
	}
	event := notify.Event{
		DocumentID: documentID,
		Kind:       notify.KindPresence,
		Action:     notify.ActionChanged,
		UserID:     userID,
	}
	if err := t.events.Publish(ctx, event); err != nil {
		log.Printf("presence: publish %s/%s failed: %v", documentID, userID, err)
	}
}
