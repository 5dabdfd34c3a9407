package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

var errStreamClosed = errors.NetworkError("Subscription closed by the store", nil)

// stream consumes one subscription until it ends. touch is called on every
// push so the watchdog can tell a live stream from a stalled one.
type stream func(ctx context.Context, touch func()) error

// keepAlive runs s until ctx is done. A stream that errors is reopened with
// exponential backoff; one that stays silent past the staleness window while
// a conversation is being viewed is reopened right away.
func (e *SyncEngine) keepAlive(ctx context.Context, name string, s stream) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Clock = e.clock
	b.Reset()

	staleAfter := e.cfg.SubscriptionStaleAfter()

	for {
		subCtx, cancel := context.WithCancel(ctx)

		var (
			mu       sync.Mutex
			lastPush = e.clock.Now()
			pushes   int
			stale    bool
		)
		touch := func() {
			mu.Lock()
			lastPush = e.clock.Now()
			pushes++
			mu.Unlock()
		}

		watchdogDone := make(chan struct{})
		go func() {
			defer close(watchdogDone)
			ticker := e.clock.Ticker(staleAfter / 4)
			defer ticker.Stop()
			for {
				select {
				case <-subCtx.Done():
					return
				case now := <-ticker.C:
					mu.Lock()
					silent := now.Sub(lastPush)
					mu.Unlock()
					if silent >= staleAfter && e.viewing() {
						mu.Lock()
						stale = true
						mu.Unlock()
						cancel()
						return
					}
				}
			}
		}()

		err := s(subCtx, touch)
		cancel()
		<-watchdogDone

		if ctx.Err() != nil {
			return
		}

		mu.Lock()
		wasStale, healthy := stale, pushes > 0
		mu.Unlock()
		if healthy {
			b.Reset()
		}
		if wasStale {
			logger.Info("SyncEngine: %s subscription stale for %s, resubscribing", name, staleAfter)
			continue
		}

		if err == nil {
			err = errStreamClosed
		}
		err = errors.Translate(err)
		wait := b.NextBackOff()
		logger.Warn("SyncEngine: %s subscription dropped: %v, retrying in %s", name, err, wait)
		e.emit(Event{Type: EventError, Error: eventError(err)})

		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(wait):
		}
	}
}

func (e *SyncEngine) conversationStream(ctx context.Context, touch func()) error {
	ch, err := e.conversations.Subscribe(ctx, e.role, e.self.ID)
	if err != nil {
		return err
	}
	for snap := range ch {
		if snap.Err != nil {
			return snap.Err
		}
		touch()
		if !e.post(conversationsPushed{conversations: snap.Conversations}) {
			return nil
		}
	}
	return nil
}

// messageStream follows the open conversation from its oldest loaded message
// on, so history paged in earlier is not disturbed.
func (e *SyncEngine) messageStream(conversationID string, generation uint64) stream {
	return func(ctx context.Context, touch func()) error {
		since := e.messages.Oldest(conversationID)
		ch, err := e.messageRepo.Subscribe(ctx, conversationID, since, e.cfg.PageSize)
		if err != nil {
			return err
		}
		for snap := range ch {
			if snap.Err != nil {
				return snap.Err
			}
			touch()
			if !e.post(messagesPushed{conversationID: conversationID, generation: generation, messages: snap.Messages}) {
				return nil
			}
		}
		return nil
	}
}
