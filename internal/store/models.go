package store

import "time"

// EditingSession is the exclusive-editing record for one (document, section)
// pair. At most one row exists per pair; staleness is derived by readers, not
// stored.
type EditingSession struct {
	ID             string
	DocumentID     string
	UserID         string
	UserName       string
	SectionID      string
	SectionType    string // page | element | chapter
	LockedAt       time.Time
	LastActivity   time.Time
	CursorPosition map[string]any
}

// PresenceRecord is one row per (document, user). The stored is_online flag
// is advisory; readers recompute "online" from last_seen because an abrupt
// disconnect never flips the flag.
type PresenceRecord struct {
	ID             string
	DocumentID     string
	UserID         string
	UserName       string
	LastSeen       time.Time
	IsOnline       bool
	CurrentSection *string
	Metadata       map[string]any
}

type Collaborator struct {
	ID         string
	DocumentID string
	UserID     string
	UserName   string
	Role       string
	AddedBy    string
	AddedAt    time.Time
}

type Invitation struct {
	ID           string
	DocumentID   string
	InviterID    string
	InviteeID    *string
	InviteeEmail string
	Role         string
	Message      string
	TokenHash    string
	Status       string // pending | accepted | declined | expired
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
