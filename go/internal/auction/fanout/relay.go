package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/events"
)

const flushTimeout = 5 * time.Second

// Run relays queued events to the bus until ctx is cancelled, then makes one last
// attempt for whatever is still queued and stops every remote subscription.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer b.cancel()

	log.Info().
		Str("instance", b.config.InstanceID).
		Int("relay_buffer", cap(b.relayCh)).
		Msg("broadcast relay started")

	for {
		select {
		case <-ctx.Done():
			b.flush()
			log.Info().Str("instance", b.config.InstanceID).Msg("broadcast relay stopped")
			return nil
		case event := <-b.relayCh:
			if err := b.publishWithRetry(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("auction_id", event.AuctionID.String()).
					Str("event_id", event.ID.String()).
					Str("event_type", string(event.Type)).
					Msg("failed to relay event to other instances")
			}
		}
	}
}

func (b *Broadcaster) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case event := <-b.relayCh:
			if err := b.bus.PublishAuctionEvent(ctx, event.AuctionID, event); err != nil {
				log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to relay event during shutdown")
			}
		default:
			return
		}
	}
}

// publishWithRetry publishes with a linearly growing delay between attempts.
// Retries are safe because the bus deduplicates on the event ID.
func (b *Broadcaster) publishWithRetry(ctx context.Context, event *events.AuctionEvent) error {
	var lastErr error

	for attempt := 0; attempt <= b.config.RelayMaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.config.RelayRetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := b.bus.PublishAuctionEvent(ctx, event.AuctionID, event); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to relay event, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("relay succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("relay failed after %d attempts: %w", b.config.RelayMaxRetries+1, lastErr)
}

// follow delivers events committed by other instances to the local subscribers of
// the auction until ctx is cancelled. Events this instance published are skipped.
func (b *Broadcaster) follow(ctx context.Context, auctionID uuid.UUID) {
	ch, err := b.bus.SubscribeAuctionEvents(ctx, auctionID)
	if err != nil {
		log.Error().
			Err(err).
			Str("auction_id", auctionID.String()).
			Msg("failed to follow auction on the bus, only local events will be delivered")
		return
	}

	go func() {
		for event := range ch {
			if event.Origin == b.config.InstanceID {
				continue
			}
			log.Debug().
				Str("auction_id", auctionID.String()).
				Str("event_id", event.ID.String()).
				Str("origin", event.Origin).
				Msg("received event from another instance")
			b.deliverLocal(auctionID, event)
		}
	}()
}
