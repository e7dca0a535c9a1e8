package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/config"
	"folio/api/internal/lock"
	"folio/api/internal/notify"
	"folio/api/internal/presence"
	"folio/api/internal/rbac"
	"folio/api/internal/rolecache"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

// Session is the verified caller identity extracted from a bearer token.
type Session struct {
	UserID   string
	UserName string
}

type dataStore interface {
	lock.Store
	presence.Store

	GetSession(ctx context.Context, documentID, sectionID string) (store.EditingSession, error)

	GetCollaborator(ctx context.Context, documentID, userID string) (store.Collaborator, error)
	ListCollaborators(ctx context.Context, documentID string) ([]store.Collaborator, error)
	UpsertCollaborator(ctx context.Context, item store.Collaborator) error
	UpdateCollaboratorRole(ctx context.Context, documentID, userID, role string) (bool, error)
	DeleteCollaborator(ctx context.Context, documentID, userID string) (bool, error)

	InsertInvitation(ctx context.Context, item store.Invitation) error
	ListInvitations(ctx context.Context, documentID string) ([]store.Invitation, error)
	GetInvitationByTokenHash(ctx context.Context, tokenHash string) (store.Invitation, error)
	UpdateInvitationStatus(ctx context.Context, invitationID, status string) error

	Ping(ctx context.Context) error
}

type changeFeed interface {
	Publish(ctx context.Context, event notify.Event) error
	Subscribe(ctx context.Context, documentID string, handler func(notify.Event)) (*notify.Subscription, error)
	Ping(ctx context.Context) error
}

// Mailer delivers invitation emails. Nil means email is not configured.
type Mailer interface {
	SendInvitation(to, inviterName, role, message, acceptURL string) error
}

// tokenRevoker is the denylist checked on every authenticated request.
type tokenRevoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

var allowedSectionTypes = map[string]struct{}{
	"page":    {},
	"element": {},
	"chapter": {},
}

type Service struct {
	cfg      config.Config
	store    dataStore
	feed     changeFeed
	locks    *lock.Manager
	presence *presence.Tracker
	roles    *rolecache.Cache
	mailer   Mailer
	revoker  tokenRevoker
}

func New(cfg config.Config, dataStore dataStore, feed changeFeed) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		feed:     feed,
		locks:    lock.NewManager(dataStore, feed, cfg.LockStaleAfter),
		presence: presence.NewTracker(dataStore, feed, cfg.OnlineWindow, cfg.ActiveWindow),
		roles:    rolecache.New(4096, cfg.RoleCacheTTL),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) FeedPing(ctx context.Context) error {
	return s.feed.Ping(ctx)
}

func (s *Service) HeartbeatInterval() time.Duration {
	return s.cfg.HeartbeatInterval
}

// SetMailer wires the outbound invitation mailer.
func (s *Service) SetMailer(mailer Mailer) {
	s.mailer = mailer
}

// SetRevoker wires the token denylist.
func (s *Service) SetRevoker(revoker tokenRevoker) {
	s.revoker = revoker
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return Session{UserID: claims.Sub, UserName: claims.Name}, nil
}

// RevokeToken is logout: the caller's token goes on the denylist for the rest
// of its lifetime.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return err
	}
	if s.revoker == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.JTI, time.Unix(claims.Exp, 0))
}

// resolveRole maps a caller to their role on a document, through the TTL
// cache. Non-collaborators get a 403; role data is read here, never written
// on this path.
func (s *Service) resolveRole(ctx context.Context, documentID, userID string) (rbac.Role, error) {
	if role, ok := s.roles.Get(documentID, userID); ok {
		return role, nil
	}

	collaborator, err := s.store.GetCollaborator(ctx, documentID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusForbidden, "NOT_COLLABORATOR", "Not a collaborator on this document", nil)
		}
		return "", fmt.Errorf("resolve role: %w", err)
	}

	role := rbac.Normalize(collaborator.Role)
	s.roles.Put(documentID, userID, role)
	return role, nil
}

// ---- Presence ----

func (s *Service) Heartbeat(ctx context.Context, session Session, documentID, sectionID string, metadata map[string]any) error {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return err
	}
	return s.presence.MarkOnline(ctx, documentID, session.UserID, session.UserName, sectionID, metadata)
}

func (s *Service) GoOffline(ctx context.Context, session Session, documentID string) error {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return err
	}
	return s.presence.MarkOffline(ctx, documentID, session.UserID)
}

// ListPresence returns everyone else on the document. A missing presence
// table degrades to an empty list so the document view keeps working.
func (s *Service) ListPresence(ctx context.Context, session Session, documentID string) ([]presence.Entry, error) {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return nil, err
	}
	entries, err := s.presence.List(ctx, documentID, session.UserID, time.Now())
	if err != nil {
		if store.IsMissingRelation(err) {
			log.Printf("presence: table missing, degrading to empty list for %s", documentID)
			return []presence.Entry{}, nil
		}
		return nil, err
	}
	return entries, nil
}

// ---- Locks ----

// LockView is a session plus its derived staleness at read time.
type LockView struct {
	Session store.EditingSession
	Stale   bool
}

func (s *Service) ListLocks(ctx context.Context, session Session, documentID string) ([]LockView, error) {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return nil, err
	}
	sessions, err := s.locks.List(ctx, documentID)
	if err != nil {
		if store.IsMissingRelation(err) {
			log.Printf("lock: table missing, degrading to empty list for %s", documentID)
			return []LockView{}, nil
		}
		return nil, err
	}

	now := time.Now()
	views := make([]LockView, 0, len(sessions))
	for _, item := range sessions {
		views = append(views, LockView{Session: item, Stale: s.locks.IsStale(item, now)})
	}
	return views, nil
}

func (s *Service) AcquireLock(ctx context.Context, session Session, documentID, sectionID, sectionType string) (store.EditingSession, error) {
	role, err := s.resolveRole(ctx, documentID, session.UserID)
	if err != nil {
		return store.EditingSession{}, err
	}
	if !rbac.CapabilitiesFor(role).CanEdit {
		return store.EditingSession{}, domainError(http.StatusForbidden, "FORBIDDEN", "Editing requires editor access", nil)
	}
	if strings.TrimSpace(sectionID) == "" {
		return store.EditingSession{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sectionId is required", nil)
	}
	if _, ok := allowedSectionTypes[sectionType]; !ok {
		return store.EditingSession{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sectionType must be page, element or chapter", nil)
	}

	return s.locks.Acquire(ctx, documentID, session.UserID, session.UserName, sectionID, sectionType)
}

func (s *Service) TouchLock(ctx context.Context, session Session, documentID, sectionID string, cursor map[string]any) error {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return err
	}
	return s.locks.Touch(ctx, documentID, session.UserID, sectionID, cursor)
}

func (s *Service) ReleaseLock(ctx context.Context, session Session, documentID, sectionID string) error {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return err
	}
	return s.locks.Release(ctx, documentID, session.UserID, sectionID)
}

// ForceReleaseLock removes another user's lock. The rank rule is enforced in
// the lock manager; this layer resolves both roles and translates the denial.
func (s *Service) ForceReleaseLock(ctx context.Context, session Session, documentID, sectionID string) error {
	actorRole, err := s.resolveRole(ctx, documentID, session.UserID)
	if err != nil {
		return err
	}

	target, err := s.store.GetSession(ctx, documentID, sectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already gone, which is the outcome the caller wanted.
			return nil
		}
		return fmt.Errorf("force release lookup: %w", err)
	}

	holderRole := rbac.RoleViewer
	if holder, err := s.store.GetCollaborator(ctx, documentID, target.UserID); err == nil {
		holderRole = rbac.Normalize(holder.Role)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("force release holder role: %w", err)
	}

	if err := s.locks.ForceRelease(ctx, target.ID, actorRole, holderRole); err != nil {
		if errors.Is(err, lock.ErrForbidden) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Insufficient rank to force release", nil)
		}
		return err
	}
	return nil
}

// ---- Collaborators ----

func (s *Service) ListCollaborators(ctx context.Context, session Session, documentID string) ([]store.Collaborator, error) {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return nil, err
	}
	items, err := s.store.ListCollaborators(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	return items, nil
}

// ChangeCollaboratorRole reassigns a collaborator's role. The actor must
// outrank both the target's current role and the requested one.
func (s *Service) ChangeCollaboratorRole(ctx context.Context, session Session, documentID, userID, newRole string) error {
	actorRole, err := s.resolveRole(ctx, documentID, session.UserID)
	if err != nil {
		return err
	}

	target, err := s.store.GetCollaborator(ctx, documentID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Collaborator not found", nil)
		}
		return fmt.Errorf("load collaborator: %w", err)
	}

	requested := rbac.Role(newRole)
	if rbac.Normalize(newRole) != requested || requested == rbac.RoleOwner {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be editor, reviewer or viewer", nil)
	}
	if !rbac.CanManage(actorRole, rbac.Normalize(target.Role)) || !rbac.CanManage(actorRole, requested) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Insufficient rank to change this role", nil)
	}

	updated, err := s.store.UpdateCollaboratorRole(ctx, documentID, userID, newRole)
	if err != nil {
		return fmt.Errorf("update collaborator role: %w", err)
	}
	if !updated {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Collaborator not found", nil)
	}
	s.roles.Invalidate(documentID, userID)
	return nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, session Session, documentID, userID string) error {
	actorRole, err := s.resolveRole(ctx, documentID, session.UserID)
	if err != nil {
		return err
	}

	target, err := s.store.GetCollaborator(ctx, documentID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Collaborator not found", nil)
		}
		return fmt.Errorf("load collaborator: %w", err)
	}
	if !rbac.CanManage(actorRole, rbac.Normalize(target.Role)) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Insufficient rank to remove this collaborator", nil)
	}

	if _, err := s.store.DeleteCollaborator(ctx, documentID, userID); err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	s.roles.Invalidate(documentID, userID)
	return nil
}

// ---- Invitations ----

type CreateInvitationInput struct {
	InviteeID    string `json:"inviteeId"`
	InviteeEmail string `json:"inviteeEmail"`
	Role         string `json:"role"`
	Message      string `json:"message"`
}

// CreateInvitation issues a pending invitation and returns it with the raw
// token, which is never stored.
func (s *Service) CreateInvitation(ctx context.Context, session Session, documentID string, input CreateInvitationInput) (store.Invitation, string, error) {
	actorRole, err := s.resolveRole(ctx, documentID, session.UserID)
	if err != nil {
		return store.Invitation{}, "", err
	}
	if !rbac.CapabilitiesFor(actorRole).CanInvite {
		return store.Invitation{}, "", domainError(http.StatusForbidden, "FORBIDDEN", "Inviting requires invite access", nil)
	}

	requested := rbac.Role(input.Role)
	if rbac.Normalize(input.Role) != requested || requested == rbac.RoleOwner {
		return store.Invitation{}, "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be editor, reviewer or viewer", nil)
	}
	if !rbac.CanManage(actorRole, requested) {
		return store.Invitation{}, "", domainError(http.StatusForbidden, "FORBIDDEN", "Cannot invite at or above your own rank", nil)
	}
	if strings.TrimSpace(input.InviteeID) == "" && strings.TrimSpace(input.InviteeEmail) == "" {
		return store.Invitation{}, "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "inviteeId or inviteeEmail is required", nil)
	}

	token := util.NewToken()
	invitation := store.Invitation{
		ID:           util.NewID("inv"),
		DocumentID:   documentID,
		InviterID:    session.UserID,
		InviteeEmail: strings.TrimSpace(input.InviteeEmail),
		Role:         input.Role,
		Message:      input.Message,
		TokenHash:    auth.HashToken(token),
		Status:       "pending",
		ExpiresAt:    time.Now().Add(s.cfg.InvitationTTL),
	}
	if trimmed := strings.TrimSpace(input.InviteeID); trimmed != "" {
		invitation.InviteeID = &trimmed
	}

	if err := s.store.InsertInvitation(ctx, invitation); err != nil {
		return store.Invitation{}, "", err
	}

	// Email delivery is best effort; the invitation already exists and the
	// raw token is returned to the inviter either way.
	if s.mailer != nil && invitation.InviteeEmail != "" {
		acceptURL := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/invitations/" + token
		if err := s.mailer.SendInvitation(invitation.InviteeEmail, session.UserName, invitation.Role, invitation.Message, acceptURL); err != nil {
			log.Printf("invitation: mail to %s failed: %v", invitation.InviteeEmail, err)
		}
	}
	return invitation, token, nil
}

// ListInvitations reports open invitations, expiring overdue ones lazily on
// read; no background job touches invitations.
func (s *Service) ListInvitations(ctx context.Context, session Session, documentID string) ([]store.Invitation, error) {
	actorRole, err := s.resolveRole(ctx, documentID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !rbac.CapabilitiesFor(actorRole).CanInvite {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Listing invitations requires invite access", nil)
	}

	items, err := s.store.ListInvitations(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}

	now := time.Now()
	for i, item := range items {
		if item.Status == "pending" && now.After(item.ExpiresAt) {
			if err := s.store.UpdateInvitationStatus(ctx, item.ID, "expired"); err != nil {
				log.Printf("invitation: lazy expire %s failed: %v", item.ID, err)
				continue
			}
			items[i].Status = "expired"
		}
	}
	return items, nil
}

// AcceptInvitation turns a pending invitation into a collaborator row for
// the caller.
func (s *Service) AcceptInvitation(ctx context.Context, session Session, token string) (store.Collaborator, error) {
	invitation, err := s.loadOpenInvitation(ctx, token)
	if err != nil {
		return store.Collaborator{}, err
	}
	if invitation.InviteeID != nil && *invitation.InviteeID != session.UserID {
		return store.Collaborator{}, domainError(http.StatusForbidden, "FORBIDDEN", "Invitation addressed to another user", nil)
	}

	collaborator := store.Collaborator{
		ID:         util.NewID("col"),
		DocumentID: invitation.DocumentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Role:       invitation.Role,
		AddedBy:    invitation.InviterID,
	}
	if err := s.store.UpsertCollaborator(ctx, collaborator); err != nil {
		return store.Collaborator{}, fmt.Errorf("accept invitation: %w", err)
	}
	if err := s.store.UpdateInvitationStatus(ctx, invitation.ID, "accepted"); err != nil {
		return store.Collaborator{}, fmt.Errorf("mark invitation accepted: %w", err)
	}
	s.roles.Invalidate(invitation.DocumentID, session.UserID)
	return collaborator, nil
}

func (s *Service) DeclineInvitation(ctx context.Context, session Session, token string) error {
	invitation, err := s.loadOpenInvitation(ctx, token)
	if err != nil {
		return err
	}
	if invitation.InviteeID != nil && *invitation.InviteeID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Invitation addressed to another user", nil)
	}
	if err := s.store.UpdateInvitationStatus(ctx, invitation.ID, "declined"); err != nil {
		return fmt.Errorf("mark invitation declined: %w", err)
	}
	return nil
}

func (s *Service) loadOpenInvitation(ctx context.Context, token string) (store.Invitation, error) {
	invitation, err := s.store.GetInvitationByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Invitation{}, domainError(http.StatusNotFound, "NOT_FOUND", "Invitation not found", nil)
		}
		return store.Invitation{}, fmt.Errorf("load invitation: %w", err)
	}

	if invitation.Status == "pending" && time.Now().After(invitation.ExpiresAt) {
		if err := s.store.UpdateInvitationStatus(ctx, invitation.ID, "expired"); err != nil {
			log.Printf("invitation: lazy expire %s failed: %v", invitation.ID, err)
		}
		invitation.Status = "expired"
	}
	if invitation.Status != "pending" {
		return store.Invitation{}, domainError(http.StatusConflict, "INVITATION_CLOSED", fmt.Sprintf("Invitation is %s", invitation.Status), nil)
	}
	return invitation, nil
}

// ---- Change feed ----

// SubscribeFeed attaches a handler to the document's change feed after the
// caller's membership has been verified. The caller must Unsubscribe.
func (s *Service) SubscribeFeed(ctx context.Context, session Session, documentID string, handler func(notify.Event)) (*notify.Subscription, error) {
	if _, err := s.resolveRole(ctx, documentID, session.UserID); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, documentID, handler)
}

// PresenceTracker exposes the tracker for the feed gateway's server-held
// heartbeats.
func (s *Service) PresenceTracker() *presence.Tracker {
	return s.presence
}
