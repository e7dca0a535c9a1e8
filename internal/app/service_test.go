package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"folio/api/internal/auth"
	"folio/api/internal/config"
	"folio/api/internal/lock"
	"folio/api/internal/notify"
	"folio/api/internal/store"
)

// fakeStore implements dataStore with per-method hooks. Unset hooks fall back
// to empty results, with sql.ErrNoRows for single-row lookups.
type fakeStore struct {
	acquireSessionFn           func(ctx context.Context, session store.EditingSession, staleAfter time.Duration) (store.EditingSession, bool, error)
	touchSessionFn             func(ctx context.Context, documentID, userID, sectionID string, cursor map[string]any) (bool, error)
	deleteOwnSessionFn         func(ctx context.Context, documentID, userID, sectionID string) (bool, error)
	deleteSessionByIDFn        func(ctx context.Context, sessionID string) (store.EditingSession, error)
	listSessionsFn             func(ctx context.Context, documentID string) ([]store.EditingSession, error)
	getSessionFn               func(ctx context.Context, documentID, sectionID string) (store.EditingSession, error)
	upsertPresenceFn           func(ctx context.Context, record store.PresenceRecord) error
	setPresenceOfflineFn       func(ctx context.Context, documentID, userID string) error
	listPresenceFn             func(ctx context.Context, documentID string) ([]store.PresenceRecord, error)
	getCollaboratorFn          func(ctx context.Context, documentID, userID string) (store.Collaborator, error)
	listCollaboratorsFn        func(ctx context.Context, documentID string) ([]store.Collaborator, error)
	upsertCollaboratorFn       func(ctx context.Context, item store.Collaborator) error
	updateCollaboratorRoleFn   func(ctx context.Context, documentID, userID, role string) (bool, error)
	deleteCollaboratorFn       func(ctx context.Context, documentID, userID string) (bool, error)
	insertInvitationFn         func(ctx context.Context, item store.Invitation) error
	listInvitationsFn          func(ctx context.Context, documentID string) ([]store.Invitation, error)
	getInvitationByTokenHashFn func(ctx context.Context, tokenHash string) (store.Invitation, error)
	updateInvitationStatusFn   func(ctx context.Context, invitationID, status string) error
}

func (f *fakeStore) AcquireSession(ctx context.Context, session store.EditingSession, staleAfter time.Duration) (store.EditingSession, bool, error) {
	if f.acquireSessionFn != nil {
		return f.acquireSessionFn(ctx, session, staleAfter)
	}
	return session, true, nil
}

func (f *fakeStore) TouchSession(ctx context.Context, documentID, userID, sectionID string, cursor map[string]any) (bool, error) {
	if f.touchSessionFn != nil {
		return f.touchSessionFn(ctx, documentID, userID, sectionID, cursor)
	}
	return true, nil
}

func (f *fakeStore) DeleteOwnSession(ctx context.Context, documentID, userID, sectionID string) (bool, error) {
	if f.deleteOwnSessionFn != nil {
		return f.deleteOwnSessionFn(ctx, documentID, userID, sectionID)
	}
	return false, nil
}

func (f *fakeStore) DeleteSessionByID(ctx context.Context, sessionID string) (store.EditingSession, error) {
	if f.deleteSessionByIDFn != nil {
		return f.deleteSessionByIDFn(ctx, sessionID)
	}
	return store.EditingSession{}, sql.ErrNoRows
}

func (f *fakeStore) ListSessions(ctx context.Context, documentID string) ([]store.EditingSession, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) GetSession(ctx context.Context, documentID, sectionID string) (store.EditingSession, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, documentID, sectionID)
	}
	return store.EditingSession{}, sql.ErrNoRows
}

func (f *fakeStore) UpsertPresence(ctx context.Context, record store.PresenceRecord) error {
	if f.upsertPresenceFn != nil {
		return f.upsertPresenceFn(ctx, record)
	}
	return nil
}

func (f *fakeStore) SetPresenceOffline(ctx context.Context, documentID, userID string) error {
	if f.setPresenceOfflineFn != nil {
		return f.setPresenceOfflineFn(ctx, documentID, userID)
	}
	return nil
}

func (f *fakeStore) ListPresence(ctx context.Context, documentID string) ([]store.PresenceRecord, error) {
	if f.listPresenceFn != nil {
		return f.listPresenceFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) GetCollaborator(ctx context.Context, documentID, userID string) (store.Collaborator, error) {
	if f.getCollaboratorFn != nil {
		return f.getCollaboratorFn(ctx, documentID, userID)
	}
	return store.Collaborator{}, sql.ErrNoRows
}

func (f *fakeStore) ListCollaborators(ctx context.Context, documentID string) ([]store.Collaborator, error) {
	if f.listCollaboratorsFn != nil {
		return f.listCollaboratorsFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) UpsertCollaborator(ctx context.Context, item store.Collaborator) error {
	if f.upsertCollaboratorFn != nil {
		return f.upsertCollaboratorFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) UpdateCollaboratorRole(ctx context.Context, documentID, userID, role string) (bool, error) {
	if f.updateCollaboratorRoleFn != nil {
		return f.updateCollaboratorRoleFn(ctx, documentID, userID, role)
	}
	return true, nil
}

func (f *fakeStore) DeleteCollaborator(ctx context.Context, documentID, userID string) (bool, error) {
	if f.deleteCollaboratorFn != nil {
		return f.deleteCollaboratorFn(ctx, documentID, userID)
	}
	return true, nil
}

func (f *fakeStore) InsertInvitation(ctx context.Context, item store.Invitation) error {
	if f.insertInvitationFn != nil {
		return f.insertInvitationFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) ListInvitations(ctx context.Context, documentID string) ([]store.Invitation, error) {
	if f.listInvitationsFn != nil {
		return f.listInvitationsFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (store.Invitation, error) {
	if f.getInvitationByTokenHashFn != nil {
		return f.getInvitationByTokenHashFn(ctx, tokenHash)
	}
	return store.Invitation{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateInvitationStatus(ctx context.Context, invitationID, status string) error {
	if f.updateInvitationStatusFn != nil {
		return f.updateInvitationStatusFn(ctx, invitationID, status)
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// fakeFeed records published events. Subscribe is exercised through the real
// notifier in the feed tests, not here.
type fakeFeed struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeFeed) Publish(_ context.Context, event notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeFeed) Subscribe(context.Context, string, func(notify.Event)) (*notify.Subscription, error) {
	return nil, errors.New("subscribe not supported in this fake")
}

func (f *fakeFeed) Ping(context.Context) error { return nil }

func (f *fakeFeed) all() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Event(nil), f.events...)
}

func testConfig() config.Config {
	cfg := config.Load()
	cfg.TokenSecret = "test-secret"
	return cfg
}

func collaboratorStore(roles map[string]string) *fakeStore {
	return &fakeStore{
		getCollaboratorFn: func(_ context.Context, documentID, userID string) (store.Collaborator, error) {
			role, ok := roles[userID]
			if !ok {
				return store.Collaborator{}, sql.ErrNoRows
			}
			return store.Collaborator{DocumentID: documentID, UserID: userID, Role: role}, nil
		},
	}
}

func expectDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d/%s, got %d/%s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestHeartbeatRejectsNonCollaborators(t *testing.T) {
	svc := New(testConfig(), collaboratorStore(nil), &fakeFeed{})

	err := svc.Heartbeat(context.Background(), Session{UserID: "u_1", UserName: "Ada"}, "doc_1", "", nil)
	expectDomainError(t, err, http.StatusForbidden, "NOT_COLLABORATOR")
}

func TestRoleResolutionIsCached(t *testing.T) {
	lookups := 0
	fs := collaboratorStore(map[string]string{"u_1": "editor"})
	inner := fs.getCollaboratorFn
	fs.getCollaboratorFn = func(ctx context.Context, documentID, userID string) (store.Collaborator, error) {
		lookups++
		return inner(ctx, documentID, userID)
	}
	svc := New(testConfig(), fs, &fakeFeed{})
	ctx := context.Background()
	session := Session{UserID: "u_1", UserName: "Ada"}

	if err := svc.Heartbeat(ctx, session, "doc_1", "", nil); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	if err := svc.Heartbeat(ctx, session, "doc_1", "", nil); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if lookups != 1 {
		t.Errorf("expected a single role lookup, got %d", lookups)
	}
}

func TestAcquireLockRequiresEditRights(t *testing.T) {
	for _, role := range []string{"viewer", "reviewer"} {
		fs := collaboratorStore(map[string]string{"u_1": role})
		svc := New(testConfig(), fs, &fakeFeed{})

		_, err := svc.AcquireLock(context.Background(), Session{UserID: "u_1", UserName: "Ada"}, "doc_1", "page-1", "page")
		expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	}
}

func TestAcquireLockValidation(t *testing.T) {
	fs := collaboratorStore(map[string]string{"u_1": "editor"})
	svc := New(testConfig(), fs, &fakeFeed{})
	ctx := context.Background()
	session := Session{UserID: "u_1", UserName: "Ada"}

	if _, err := svc.AcquireLock(ctx, session, "doc_1", "  ", "page"); err == nil {
		t.Fatal("expected blank sectionId to be rejected")
	} else {
		expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	}

	if _, err := svc.AcquireLock(ctx, session, "doc_1", "page-1", "paragraph"); err == nil {
		t.Fatal("expected unknown sectionType to be rejected")
	} else {
		expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	}
}

func TestAcquireLockPublishesAndReturnsSession(t *testing.T) {
	fs := collaboratorStore(map[string]string{"u_1": "editor"})
	feed := &fakeFeed{}
	svc := New(testConfig(), fs, feed)

	acquired, err := svc.AcquireLock(context.Background(), Session{UserID: "u_1", UserName: "Ada"}, "doc_1", "page-1", "page")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if acquired.UserID != "u_1" || acquired.SectionID != "page-1" {
		t.Errorf("unexpected session %+v", acquired)
	}

	events := feed.all()
	if len(events) != 1 || events[0].Kind != notify.KindLock || events[0].Action != notify.ActionChanged {
		t.Errorf("expected one lock-changed event, got %+v", events)
	}
}

func TestAcquireLockDeniedCarriesHolder(t *testing.T) {
	holder := store.EditingSession{ID: "es_1", DocumentID: "doc_1", UserID: "u_2", UserName: "Grace", SectionID: "page-1"}
	fs := collaboratorStore(map[string]string{"u_1": "editor"})
	fs.acquireSessionFn = func(context.Context, store.EditingSession, time.Duration) (store.EditingSession, bool, error) {
		return holder, false, nil
	}
	svc := New(testConfig(), fs, &fakeFeed{})

	_, err := svc.AcquireLock(context.Background(), Session{UserID: "u_1", UserName: "Ada"}, "doc_1", "page-1", "page")
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if held.Holder.UserID != "u_2" {
		t.Errorf("expected holder u_2, got %+v", held.Holder)
	}
}

func TestForceReleaseRespectsRank(t *testing.T) {
	target := store.EditingSession{ID: "es_1", DocumentID: "doc_1", UserID: "u_owner", SectionID: "page-1"}
	deleted := false

	newService := func(actorRole string) *Service {
		fs := collaboratorStore(map[string]string{"u_actor": actorRole, "u_owner": "owner"})
		fs.getSessionFn = func(context.Context, string, string) (store.EditingSession, error) {
			return target, nil
		}
		fs.deleteSessionByIDFn = func(_ context.Context, sessionID string) (store.EditingSession, error) {
			deleted = true
			return target, nil
		}
		return New(testConfig(), fs, &fakeFeed{})
	}

	err := newService("editor").ForceReleaseLock(context.Background(), Session{UserID: "u_actor"}, "doc_1", "page-1")
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	if deleted {
		t.Fatal("editor must not remove an owner's lock")
	}

	if err := newService("owner").ForceReleaseLock(context.Background(), Session{UserID: "u_actor"}, "doc_1", "page-1"); err != nil {
		t.Fatalf("owner force release failed: %v", err)
	}
	if !deleted {
		t.Fatal("expected the session to be removed")
	}
}

func TestForceReleaseMissingSessionIsSuccess(t *testing.T) {
	fs := collaboratorStore(map[string]string{"u_actor": "owner"})
	svc := New(testConfig(), fs, &fakeFeed{})

	if err := svc.ForceReleaseLock(context.Background(), Session{UserID: "u_actor"}, "doc_1", "page-1"); err != nil {
		t.Fatalf("expected missing session to be a no-op, got %v", err)
	}
}

func TestChangeCollaboratorRole(t *testing.T) {
	var updatedRole string
	fs := collaboratorStore(map[string]string{"u_owner": "owner", "u_editor": "editor"})
	fs.updateCollaboratorRoleFn = func(_ context.Context, _, _, role string) (bool, error) {
		updatedRole = role
		return true, nil
	}
	svc := New(testConfig(), fs, &fakeFeed{})
	ctx := context.Background()

	if err := svc.ChangeCollaboratorRole(ctx, Session{UserID: "u_owner"}, "doc_1", "u_editor", "viewer"); err != nil {
		t.Fatalf("owner demoting editor failed: %v", err)
	}
	if updatedRole != "viewer" {
		t.Errorf("expected role viewer written, got %q", updatedRole)
	}

	err := svc.ChangeCollaboratorRole(ctx, Session{UserID: "u_owner"}, "doc_1", "u_editor", "owner")
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	err = svc.ChangeCollaboratorRole(ctx, Session{UserID: "u_editor"}, "doc_1", "u_owner", "viewer")
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestCreateInvitation(t *testing.T) {
	var inserted store.Invitation
	fs := collaboratorStore(map[string]string{"u_editor": "editor", "u_viewer": "viewer"})
	fs.insertInvitationFn = func(_ context.Context, item store.Invitation) error {
		inserted = item
		return nil
	}
	svc := New(testConfig(), fs, &fakeFeed{})
	ctx := context.Background()

	invitation, token, err := svc.CreateInvitation(ctx, Session{UserID: "u_editor"}, "doc_1", CreateInvitationInput{
		InviteeEmail: "grace@example.com",
		Role:         "reviewer",
		Message:      "join us",
	})
	if err != nil {
		t.Fatalf("create invitation failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a raw token")
	}
	if inserted.TokenHash != auth.HashToken(token) {
		t.Error("stored hash must match the issued token")
	}
	if invitation.Status != "pending" {
		t.Errorf("expected pending status, got %q", invitation.Status)
	}
	if time.Until(invitation.ExpiresAt) < 6*24*time.Hour {
		t.Errorf("expiry too near: %v", invitation.ExpiresAt)
	}

	_, _, err = svc.CreateInvitation(ctx, Session{UserID: "u_viewer"}, "doc_1", CreateInvitationInput{InviteeEmail: "x@example.com", Role: "viewer"})
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	// Editors cannot hand out their own rank.
	_, _, err = svc.CreateInvitation(ctx, Session{UserID: "u_editor"}, "doc_1", CreateInvitationInput{InviteeEmail: "x@example.com", Role: "editor"})
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	_, _, err = svc.CreateInvitation(ctx, Session{UserID: "u_editor"}, "doc_1", CreateInvitationInput{Role: "viewer"})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestListInvitationsExpiresOverdueLazily(t *testing.T) {
	expiredTo := map[string]string{}
	fs := collaboratorStore(map[string]string{"u_editor": "editor"})
	fs.listInvitationsFn = func(context.Context, string) ([]store.Invitation, error) {
		return []store.Invitation{
			{ID: "inv_old", Status: "pending", ExpiresAt: time.Now().Add(-time.Hour)},
			{ID: "inv_new", Status: "pending", ExpiresAt: time.Now().Add(time.Hour)},
		}, nil
	}
	fs.updateInvitationStatusFn = func(_ context.Context, invitationID, status string) error {
		expiredTo[invitationID] = status
		return nil
	}
	svc := New(testConfig(), fs, &fakeFeed{})

	items, err := svc.ListInvitations(context.Background(), Session{UserID: "u_editor"}, "doc_1")
	if err != nil {
		t.Fatalf("list invitations failed: %v", err)
	}
	if expiredTo["inv_old"] != "expired" {
		t.Error("overdue invitation was not expired on read")
	}
	if _, touched := expiredTo["inv_new"]; touched {
		t.Error("live invitation must not be touched")
	}
	if items[0].Status != "expired" || items[1].Status != "pending" {
		t.Errorf("unexpected statuses %q/%q", items[0].Status, items[1].Status)
	}
}

func TestAcceptInvitation(t *testing.T) {
	token := "raw-invitation-token"
	invitee := "u_new"
	pending := store.Invitation{
		ID:         "inv_1",
		DocumentID: "doc_1",
		InviterID:  "u_editor",
		InviteeID:  &invitee,
		Role:       "reviewer",
		TokenHash:  auth.HashToken(token),
		Status:     "pending",
		ExpiresAt:  time.Now().Add(time.Hour),
	}

	var added store.Collaborator
	statuses := map[string]string{}
	fs := &fakeStore{
		getInvitationByTokenHashFn: func(_ context.Context, tokenHash string) (store.Invitation, error) {
			if tokenHash != pending.TokenHash {
				return store.Invitation{}, sql.ErrNoRows
			}
			return pending, nil
		},
		upsertCollaboratorFn: func(_ context.Context, item store.Collaborator) error {
			added = item
			return nil
		},
		updateInvitationStatusFn: func(_ context.Context, invitationID, status string) error {
			statuses[invitationID] = status
			return nil
		},
	}
	svc := New(testConfig(), fs, &fakeFeed{})
	ctx := context.Background()

	err := svc.DeclineInvitation(ctx, Session{UserID: "u_other", UserName: "Mallory"}, token)
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	collaborator, err := svc.AcceptInvitation(ctx, Session{UserID: "u_new", UserName: "Grace"}, token)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if collaborator.Role != "reviewer" || collaborator.DocumentID != "doc_1" {
		t.Errorf("unexpected collaborator %+v", collaborator)
	}
	if added.AddedBy != "u_editor" {
		t.Errorf("expected inviter recorded as AddedBy, got %q", added.AddedBy)
	}
	if statuses["inv_1"] != "accepted" {
		t.Errorf("expected invitation accepted, got %q", statuses["inv_1"])
	}

	if _, err := svc.AcceptInvitation(ctx, Session{UserID: "u_new", UserName: "Grace"}, "wrong-token"); err == nil {
		t.Fatal("expected unknown token to 404")
	} else {
		expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	}
}

func TestAcceptExpiredInvitationConflicts(t *testing.T) {
	token := "stale-token"
	fs := &fakeStore{
		getInvitationByTokenHashFn: func(context.Context, string) (store.Invitation, error) {
			return store.Invitation{ID: "inv_1", Status: "pending", ExpiresAt: time.Now().Add(-time.Minute)}, nil
		},
	}
	svc := New(testConfig(), fs, &fakeFeed{})

	_, err := svc.AcceptInvitation(context.Background(), Session{UserID: "u_new", UserName: "Grace"}, token)
	expectDomainError(t, err, http.StatusConflict, "INVITATION_CLOSED")
}

func TestListingsDegradeWhenTablesMissing(t *testing.T) {
	missing := &pgconn.PgError{Code: "42P01"}
	fs := collaboratorStore(map[string]string{"u_1": "viewer"})
	fs.listPresenceFn = func(context.Context, string) ([]store.PresenceRecord, error) {
		return nil, missing
	}
	fs.listSessionsFn = func(context.Context, string) ([]store.EditingSession, error) {
		return nil, missing
	}
	svc := New(testConfig(), fs, &fakeFeed{})
	ctx := context.Background()
	session := Session{UserID: "u_1", UserName: "Ada"}

	presence, err := svc.ListPresence(ctx, session, "doc_1")
	if err != nil || len(presence) != 0 {
		t.Errorf("expected empty presence on missing table, got %v / %v", presence, err)
	}

	locks, err := svc.ListLocks(ctx, session, "doc_1")
	if err != nil || len(locks) != 0 {
		t.Errorf("expected empty locks on missing table, got %v / %v", locks, err)
	}
}
