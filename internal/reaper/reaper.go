// Package reaper sweeps abandoned collaboration records. A crashed tab or
// dropped connection never runs its own cleanup, so a process-lifetime task
// deletes what the owners could not. The reaper needs no authorization: it
// only ever removes sessions that are already stale by definition.
package reaper

import (
	"context"
	"log"
	"sync"
	"time"

	"folio/api/internal/notify"
	"folio/api/internal/store"
)

type Store interface {
	DeleteStaleSessions(ctx context.Context, staleAfter time.Duration) ([]store.EditingSession, error)
	DeleteStalePresence(ctx context.Context, horizon time.Duration) (int64, error)
}

type publisher interface {
	Publish(ctx context.Context, event notify.Event) error
}

type Reaper struct {
	store           Store
	events          publisher
	staleAfter      time.Duration
	presenceHorizon time.Duration
	interval        time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(s Store, events publisher, staleAfter, presenceHorizon, interval time.Duration) *Reaper {
	return &Reaper{
		store:           s,
		events:          events,
		staleAfter:      staleAfter,
		presenceHorizon: presenceHorizon,
		interval:        interval,
	}
}

// CleanupInactiveSessions runs one sweep. Idempotent and safe to run
// concurrently with itself: deletion is keyed on a cutoff, so a second pass
// over an unchanged table removes nothing.
func (r *Reaper) CleanupInactiveSessions(ctx context.Context) error {
	reaped, err := r.store.DeleteStaleSessions(ctx, r.staleAfter)
	if err != nil {
		return err
	}
	for _, session := range reaped {
		r.publish(ctx, notify.Event{
			DocumentID: session.DocumentID,
			Kind:       notify.KindLock,
			Action:     notify.ActionRemoved,
			SectionID:  session.SectionID,
			UserID:     session.UserID,
		})
	}
	if len(reaped) > 0 {
		log.Printf("reaper: removed %d stale editing sessions", len(reaped))
	}

	pruned, err := r.store.DeleteStalePresence(ctx, r.presenceHorizon)
	if err != nil {
		return err
	}
	if pruned > 0 {
		log.Printf("reaper: pruned %d cold presence rows", pruned)
	}
	return nil
}

// Start runs sweeps on the configured cadence until Stop or ctx cancel.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.CleanupInactiveSessions(ctx); err != nil {
					log.Printf("reaper: sweep failed: %v", err)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	stop, done := r.stop, r.done
	r.stop = nil
	r.done = nil
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *Reaper) publish(ctx context.Context, event notify.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, event); err != nil {
		log.Printf("reaper: publish %s/%s failed: %v", event.DocumentID, event.SectionID, err)
	}
}
