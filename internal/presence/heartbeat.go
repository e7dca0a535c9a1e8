package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

// Pinger is the slice of Tracker a heartbeat drives.
type Pinger interface {
	MarkOnline(ctx context.Context, documentID, userID, userName, section string, metadata map[string]any) error
	MarkOffline(ctx context.Context, documentID, userID string) error
}

// Heartbeat keeps one viewer's presence row fresh for as long as their
// document view is open. Start and Stop bind to the view's open/close
// lifecycle; SetVisible suspends beats while the view is hidden without
// tearing the task down. Beat failures degrade to reduced awareness and are
// only logged.
type Heartbeat struct {
	pinger     Pinger
	interval   time.Duration
	documentID string
	userID     string
	userName   string

	mu      sync.Mutex
	section string
	visible bool
	stop    chan struct{}
	done    chan struct{}
}

func NewHeartbeat(pinger Pinger, interval time.Duration, documentID, userID, userName string) *Heartbeat {
	return &Heartbeat{
		pinger:     pinger,
		interval:   interval,
		documentID: documentID,
		userID:     userID,
		userName:   userName,
		visible:    true,
	}
}

// SetSection updates the section reported on subsequent beats.
func (h *Heartbeat) SetSection(section string) {
	h.mu.Lock()
	h.section = section
	h.mu.Unlock()
}

// SetVisible pauses beats while hidden. The presence row simply ages; the
// online window tolerates one missed beat, longer absences read as offline.
func (h *Heartbeat) SetVisible(visible bool) {
	h.mu.Lock()
	h.visible = visible
	h.mu.Unlock()
}

// Start issues an immediate beat and then one per interval until Stop.
// Calling Start twice is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	stop, done := h.stop, h.done
	h.mu.Unlock()

	h.beat(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.beat(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the task and marks the viewer offline, best effort.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.mu.Lock()
	if h.stop == nil {
		h.mu.Unlock()
		return
	}
	stop, done := h.stop, h.done
	h.stop = nil
	h.done = nil
	h.mu.Unlock()

	close(stop)
	<-done

	if err := h.pinger.MarkOffline(ctx, h.documentID, h.userID); err != nil {
		log.Printf("heartbeat: mark offline %s/%s failed: %v", h.documentID, h.userID, err)
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	h.mu.Lock()
	visible := h.visible
	section := h.section
	h.mu.Unlock()
	if !visible {
		return
	}
	if err := h.pinger.MarkOnline(ctx, h.documentID, h.userID, h.userName, section, nil); err != nil {
		log.Printf("heartbeat: beat %s/%s failed: %v", h.documentID, h.userID, err)
	}
}
