package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/events"
)

type JetStreamConfig struct {
	URL              string
	StreamName       string
	SubjectPrefix    string
	MaxReconnects    int
	ReconnectWait    time.Duration
	MaxAge           time.Duration // How long to keep messages
	MaxMsgs          int64         // Max number of messages to keep
	Replicas         int           // Number of replicas for the stream
	DuplicateWindow  time.Duration // Window for duplicate detection
	SubscriberBuffer int           // Per-subscription channel size
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:              nats.DefaultURL,
		StreamName:       "AUCTION_EVENTS",
		SubjectPrefix:    "auction.events",
		MaxReconnects:    -1, // Infinite
		ReconnectWait:    2 * time.Second,
		MaxAge:           24 * time.Hour,
		MaxMsgs:          -1, // No limit
		Replicas:         1,
		DuplicateWindow:  2 * time.Minute,
		SubscriberBuffer: 256,
	}
}

// JetStreamBus relays auction events between instances over one subject per auction.
type JetStreamBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamBus(ctx context.Context, cfg JetStreamConfig) (*JetStreamBus, error) {
	nc, js, err := setupNATSConnection(cfg)
	if err != nil {
		return nil, err
	}

	b := &JetStreamBus{nc: nc, js: js, config: cfg}
	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return b, nil
}

// setupNATSConnection creates a NATS connection with JetStream
func setupNATSConnection(cfg JetStreamConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name("carauction"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return nc, js, nil
}

func (b *JetStreamBus) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        b.config.StreamName,
		Description: "Auction bid and closure events",
		Subjects:    []string{fmt.Sprintf("%s.>", b.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      b.config.MaxAge,
		MaxMsgs:     b.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    b.config.Replicas,
		Duplicates:  b.config.DuplicateWindow,
	}

	stream, err := b.js.Stream(ctx, b.config.StreamName)
	if err != nil {
		if _, err = b.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", b.config.StreamName).
			Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = b.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().
			Str("stream", b.config.StreamName).
			Msg("updated JetStream stream")
	}
	return nil
}

// PublishAuctionEvent publishes event on the auction's subject. The event id is used
// as the JetStream message id so a retried publish is deduplicated by the server.
func (b *JetStreamBus) PublishAuctionEvent(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error {
	subject := events.Subject(b.config.SubjectPrefix, auctionID)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ack, err := b.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(event.Type)},
			"Auction-ID": []string{auctionID.String()},
			"Event-ID":   []string{event.ID.String()},
			"Origin":     []string{event.Origin},
		},
	},
		jetstream.WithMsgID(event.ID.String()),
		jetstream.WithExpectStream(b.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", event.ID.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")

	return nil
}

// SubscribeAuctionEvents streams events published for auctionID from now on.
// The channel is closed once ctx is cancelled.
func (b *JetStreamBus) SubscribeAuctionEvents(ctx context.Context, auctionID uuid.UUID) (<-chan *events.AuctionEvent, error) {
	subject := events.Subject(b.config.SubjectPrefix, auctionID)

	consumer, err := b.js.OrderedConsumer(ctx, b.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	out := make(chan *events.AuctionEvent, b.config.SubscriberBuffer)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event events.AuctionEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			log.Error().
				Err(err).
				Str("subject", msg.Subject()).
				Msg("dropping undecodable auction event")
			return
		}
		select {
		case out <- &event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		<-cc.Closed()
		close(out)
	}()

	log.Debug().
		Str("subject", subject).
		Msg("subscribed to auction events")

	return out, nil
}

func (b *JetStreamBus) Close() error {
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
