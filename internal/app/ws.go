package app

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"folio/api/internal/notify"
	"folio/api/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser origins are enforced by the CORS layer for the REST surface;
	// the feed accepts any origin and relies on the bearer token instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 50 * time.Second
)

type feedMessage struct {
	DocumentID string `json:"documentId"`
	Kind       string `json:"kind"`
	Action     string `json:"action"`
	SectionID  string `json:"sectionId,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

// handleFeed upgrades the request to a WebSocket and streams change events
// for one document. Events are thin notifications; clients refetch state on
// receipt. While the socket is open the server also beats presence for the
// caller, so a page that only opens the feed still shows up as online.
func (s *HTTPServer) handleFeed(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	// Authorize before upgrading; a plain HTTP error is still expressible.
	subscribe := func(handler func(notify.Event)) (*notify.Subscription, error) {
		return s.service.SubscribeFeed(r.Context(), session, documentID, handler)
	}

	events := make(chan notify.Event, 32)
	subscription, err := subscribe(func(event notify.Event) {
		select {
		case events <- event:
		default:
			// Slow consumer; drop rather than block the feed. The client
			// reconciles on its next refetch.
		}
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		subscription.Unsubscribe()
		log.Printf("feed: upgrade failed for %s: %v", documentID, err)
		return
	}

	heartbeat := presence.NewHeartbeat(s.service.PresenceTracker(), s.service.HeartbeatInterval(), documentID, session.UserID, session.UserName)
	heartbeat.Start(r.Context())

	closed := make(chan struct{})

	// Read loop: the client sends nothing meaningful, but reading is how we
	// notice the peer going away and how pong frames get processed.
	go func() {
		defer close(closed)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		subscription.Unsubscribe()
		heartbeat.Stop(r.Context())
		_ = conn.Close()
	}()

	for {
		select {
		case event := <-events:
			payload, err := json.Marshal(feedMessage{
				DocumentID: event.DocumentID,
				Kind:       event.Kind,
				Action:     event.Action,
				SectionID:  event.SectionID,
				UserID:     event.UserID,
			})
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
