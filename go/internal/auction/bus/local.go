package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/events"
)

// LocalBus is an in-process bus for single-instance deployments and tests.
// Publish blocks until every current subscriber has accepted the event or ctx ends.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*localSub]struct{}
	buffer int
}

type localSub struct {
	ch   chan *events.AuctionEvent
	done <-chan struct{}
}

func NewLocalBus(buffer int) *LocalBus {
	return &LocalBus{
		subs:   make(map[uuid.UUID]map[*localSub]struct{}),
		buffer: buffer,
	}
}

func (b *LocalBus) PublishAuctionEvent(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error {
	b.mu.RLock()
	targets := make([]*localSub, 0, len(b.subs[auctionID]))
	for s := range b.subs[auctionID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- event:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Debug().
		Str("auction_id", auctionID.String()).
		Str("event_id", event.ID.String()).
		Int("subscribers", len(targets)).
		Msg("published to local bus")
	return nil
}

func (b *LocalBus) SubscribeAuctionEvents(ctx context.Context, auctionID uuid.UUID) (<-chan *events.AuctionEvent, error) {
	s := &localSub{ch: make(chan *events.AuctionEvent, b.buffer), done: ctx.Done()}

	b.mu.Lock()
	if b.subs[auctionID] == nil {
		b.subs[auctionID] = make(map[*localSub]struct{})
	}
	b.subs[auctionID][s] = struct{}{}
	b.mu.Unlock()

	out := make(chan *events.AuctionEvent)
	go func() {
		defer close(out)
		defer b.unsubscribe(auctionID, s)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Subscribers returns the number of live subscriptions for auctionID.
func (b *LocalBus) Subscribers(auctionID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[auctionID])
}

func (b *LocalBus) unsubscribe(auctionID uuid.UUID, s *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[auctionID], s)
	if len(b.subs[auctionID]) == 0 {
		delete(b.subs, auctionID)
	}
}
