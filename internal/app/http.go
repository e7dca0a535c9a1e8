package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/lock"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Everything below requires a verified identity. The feed endpoint also
	// accepts the token as a query parameter because browser WebSocket
	// clients cannot set headers.
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	switch parts[1] {
	case "documents":
		if len(parts) < 4 {
			break
		}
		s.handleDocument(w, r, session, parts[2], parts[3:])
		return
	case "invitations":
		if len(parts) != 4 {
			break
		}
		s.handleInvitationAction(w, r, session, parts[2], parts[3])
		return
	case "session":
		if len(parts) == 3 && parts[2] == "revoke" && r.Method == http.MethodPost {
			if err := s.service.RevokeToken(r.Context(), token); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"feed":     map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.FeedPing(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["feed"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	switch rest[0] {
	case "presence":
		s.handlePresence(w, r, session, documentID, rest[1:])
	case "locks":
		s.handleLocks(w, r, session, documentID, rest[1:])
	case "collaborators":
		s.handleCollaborators(w, r, session, documentID, rest[1:])
	case "invitations":
		s.handleInvitations(w, r, session, documentID, rest[1:])
	case "feed":
		if len(rest) == 1 && r.Method == http.MethodGet {
			s.handleFeed(w, r, session, documentID)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		entries, err := s.service.ListPresence(r.Context(), session, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			payload = append(payload, map[string]any{
				"userId":         entry.UserID,
				"userName":       entry.UserName,
				"lastSeen":       entry.LastSeen,
				"online":         entry.Online,
				"activeNow":      entry.ActiveNow,
				"currentSection": entry.CurrentSection,
				"metadata":       entry.Metadata,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"presence": payload})
		return
	}

	if len(rest) == 1 && rest[0] == "heartbeat" && r.Method == http.MethodPost {
		var body struct {
			SectionID string         `json:"sectionId"`
			Metadata  map[string]any `json:"metadata"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Heartbeat(r.Context(), session, documentID, body.SectionID, body.Metadata); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "intervalSeconds": int(s.service.HeartbeatInterval().Seconds())})
		return
	}

	if len(rest) == 1 && rest[0] == "offline" && r.Method == http.MethodPost {
		if err := s.service.GoOffline(r.Context(), session, documentID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLocks(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			views, err := s.service.ListLocks(r.Context(), session, documentID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			payload := make([]map[string]any, 0, len(views))
			for _, view := range views {
				payload = append(payload, lockPayload(view))
			}
			writeJSON(w, http.StatusOK, map[string]any{"locks": payload})
			return
		case http.MethodPost:
			var body struct {
				SectionID   string `json:"sectionId"`
				SectionType string `json:"sectionType"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			acquired, err := s.service.AcquireLock(r.Context(), session, documentID, body.SectionID, body.SectionType)
			if err != nil {
				var held *lock.HeldError
				if errors.As(err, &held) {
					writeJSON(w, http.StatusConflict, map[string]any{
						"code":  "LOCKED",
						"error": "Section is being edited",
						"holder": map[string]any{
							"userId":       held.Holder.UserID,
							"userName":     held.Holder.UserName,
							"sectionId":    held.Holder.SectionID,
							"lockedAt":     held.Holder.LockedAt,
							"lastActivity": held.Holder.LastActivity,
						},
					})
					return
				}
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"lock": lockPayload(LockView{Session: acquired})})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	sectionID := rest[0]
	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.ReleaseLock(r.Context(), session, documentID, sectionID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 2 && rest[1] == "touch" && r.Method == http.MethodPost {
		var body struct {
			Cursor map[string]any `json:"cursor"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.TouchLock(r.Context(), session, documentID, sectionID, body.Cursor); err != nil {
			if errors.Is(err, lock.ErrNotHeld) {
				writeError(w, http.StatusConflict, "NOT_HELD", "Section is no longer held", nil)
				return
			}
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 2 && rest[1] == "force" && r.Method == http.MethodDelete {
		if err := s.service.ForceReleaseLock(r.Context(), session, documentID, sectionID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCollaborators(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		items, err := s.service.ListCollaborators(r.Context(), session, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, item := range items {
			payload = append(payload, map[string]any{
				"userId":   item.UserID,
				"userName": item.UserName,
				"role":     item.Role,
				"addedBy":  item.AddedBy,
				"addedAt":  item.AddedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"collaborators": payload})
		return
	}

	if len(rest) == 1 {
		userID := rest[0]
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.ChangeCollaboratorRole(r.Context(), session, documentID, userID, body.Role); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			if err := s.service.RemoveCollaborator(r.Context(), session, documentID, userID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleInvitations(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListInvitations(r.Context(), session, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, item := range items {
			payload = append(payload, map[string]any{
				"id":           item.ID,
				"inviteeId":    item.InviteeID,
				"inviteeEmail": item.InviteeEmail,
				"role":         item.Role,
				"status":       item.Status,
				"createdAt":    item.CreatedAt,
				"expiresAt":    item.ExpiresAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitations": payload})
		return
	case http.MethodPost:
		var body CreateInvitationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		invitation, token, err := s.service.CreateInvitation(r.Context(), session, documentID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":        invitation.ID,
			"role":      invitation.Role,
			"status":    invitation.Status,
			"expiresAt": invitation.ExpiresAt,
			// The raw token is returned exactly once; only its hash is stored.
			"token": token,
		})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleInvitationAction(w http.ResponseWriter, r *http.Request, session Session, token, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch action {
	case "accept":
		collaborator, err := s.service.AcceptInvitation(r.Context(), session, token)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId": collaborator.DocumentID,
			"role":       collaborator.Role,
		})
	case "decline":
		if err := s.service.DeclineInvitation(r.Context(), session, token); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func lockPayload(view LockView) map[string]any {
	return map[string]any{
		"sessionId":    view.Session.ID,
		"userId":       view.Session.UserID,
		"userName":     view.Session.UserName,
		"sectionId":    view.Session.SectionID,
		"sectionType":  view.Session.SectionType,
		"lockedAt":     view.Session.LockedAt,
		"lastActivity": view.Session.LastActivity,
		"cursor":       view.Session.CursorPosition,
		"stale":        view.Stale,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func setCORSHeaders(header http.Header, origin string) {
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
