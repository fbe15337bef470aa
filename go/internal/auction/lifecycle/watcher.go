package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type WatcherConfig struct {
	DatabaseURL   string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string        // Channel name to LISTEN on
	PingInterval  time.Duration // Keepalive for the listener connection
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		NotifyChannel: "auctions_changed",
		PingInterval:  90 * time.Second,
	}
}

// Waker is notified when auctions were inserted and deadlines need reconciling.
type Waker interface {
	Wake()
}

// Watcher turns Postgres notifications about new auctions into reconcile requests.
type Watcher struct {
	listener *pq.Listener
	waker    Waker
	cfg      WatcherConfig
}

func NewWatcher(waker Waker, cfg WatcherConfig) (*Watcher, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for auction notifications")

	return &Watcher{listener: l, waker: waker, cfg: cfg}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("auction watcher shutting down")
			return w.listener.Close()
		case note := <-w.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established; we may have
				// missed inserts, so reconcile anyway.
				w.waker.Wake()
				continue
			}
			log.Debug().
				Str("auction_id", note.Extra).
				Msg("auction inserted")
			w.waker.Wake()
		case <-pingTicker.C:
			if err := w.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}
