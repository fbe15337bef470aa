package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/auctionerrors"
	"github.com/mcdev12/carauction/go/internal/auction/events"
	"github.com/mcdev12/carauction/go/internal/auction/guard"
	"github.com/mcdev12/carauction/go/internal/auction/repository"
	"github.com/mcdev12/carauction/go/internal/models"
)

// ErrRelayFull is returned by Publish when an event could not be queued for the bus.
var ErrRelayFull = errors.New("relay queue full")

// Subscriber is a connection joined to one or more auctions.
// Deliver must not block; it returns false when the subscriber can no longer keep up.
type Subscriber interface {
	ID() string
	Deliver(event *events.AuctionEvent) bool
}

// Bus carries events between instances.
type Bus interface {
	PublishAuctionEvent(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error
	SubscribeAuctionEvents(ctx context.Context, auctionID uuid.UUID) (<-chan *events.AuctionEvent, error)
}

// SnapshotStore reads the state handed to joining subscribers.
type SnapshotStore interface {
	GetAuctionWithTopBids(ctx context.Context, auctionID uuid.UUID, n int) (*models.AuctionSnapshot, error)
}

type Config struct {
	InstanceID      string
	SnapshotBids    int
	RelayBuffer     int
	RelayMaxRetries int
	RelayRetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		SnapshotBids:    5,
		RelayBuffer:     1024,
		RelayMaxRetries: 5,
		RelayRetryDelay: 200 * time.Millisecond,
	}
}

// Broadcaster delivers auction events to the subscribers joined on this instance
// and relays them to the bus so other instances can deliver to theirs.
type Broadcaster struct {
	store  SnapshotStore
	guards *guard.Registry
	bus    Bus
	config Config

	mu    sync.RWMutex
	rooms map[uuid.UUID]*room

	relayCh chan *events.AuctionEvent

	// ctx bounds the remote subscriptions; cancelled when Run returns.
	ctx    context.Context
	cancel context.CancelFunc
}

type room struct {
	subs    map[string]Subscriber
	joining map[string]*joiner
	ready   chan struct{}      // closed once the remote subscription is open
	cancel  context.CancelFunc // stops the remote subscription
}

// joiner holds the events published while a subscriber's snapshot is being read.
type joiner struct {
	sub      Subscriber
	buffered []*events.AuctionEvent
	left     bool
}

func NewBroadcaster(store SnapshotStore, guards *guard.Registry, bus Bus, cfg Config) *Broadcaster {
	if cfg.SnapshotBids <= 0 {
		cfg.SnapshotBids = 5
	}
	if cfg.RelayBuffer <= 0 {
		cfg.RelayBuffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		store:   store,
		guards:  guards,
		bus:     bus,
		config:  cfg,
		rooms:   make(map[uuid.UUID]*room),
		relayCh: make(chan *events.AuctionEvent, cfg.RelayBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish delivers event to every local subscriber of the auction and queues it for
// the bus. It never blocks, so it is safe to call while holding the auction's guard.
// An AuctionClosed event also releases the auction's subscribers.
func (b *Broadcaster) Publish(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error {
	b.deliverLocal(auctionID, event)

	if b.bus == nil {
		return nil
	}
	select {
	case b.relayCh <- event:
		return nil
	default:
		log.Error().
			Str("auction_id", auctionID.String()).
			Str("event_id", event.ID.String()).
			Str("event_type", string(event.Type)).
			Msg("relay queue full, event not sent to other instances")
		return fmt.Errorf("failed to relay event %s: %w", event.ID, ErrRelayFull)
	}
}

// JoinAuction subscribes sub to the auction and returns the snapshot it starts from.
// The subscriber starts buffering events, local or remote, before the snapshot is
// read; once it is, buffered bids already in the snapshot are dropped and the rest
// are delivered, so every bid is either in the snapshot or delivered exactly once.
// Ended auctions return their final snapshot without subscribing.
func (b *Broadcaster) JoinAuction(ctx context.Context, sub Subscriber, auctionID uuid.UUID) (*models.AuctionSnapshot, error) {
	if b.guards.IsRetired(auctionID) {
		return b.snapshot(ctx, auctionID)
	}

	j, ready, followCtx := b.beginJoin(auctionID, sub)
	if followCtx != nil {
		// The first subscriber opens the bus subscription before any snapshot of the
		// auction is read, so a bid committed elsewhere in between still reaches it.
		if b.bus != nil {
			b.follow(followCtx, auctionID)
		}
		close(ready)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		b.abortJoin(auctionID, j)
		return nil, ctx.Err()
	}

	release, err := b.guards.Acquire(auctionID)
	if errors.Is(err, guard.ErrRetired) {
		b.abortJoin(auctionID, j)
		return b.snapshot(ctx, auctionID)
	}
	if err != nil {
		b.abortJoin(auctionID, j)
		return nil, err
	}
	defer release()

	snapshot, err := b.snapshot(ctx, auctionID)
	if err != nil {
		if auctionerrors.Is(err, auctionerrors.KindNotFound) {
			b.guards.Forget(auctionID)
		}
		b.abortJoin(auctionID, j)
		return nil, err
	}
	if snapshot.Auction.Status == models.AuctionStatusEnded {
		b.guards.Retire(auctionID)
		b.abortJoin(auctionID, j)
		return snapshot, nil
	}

	b.completeJoin(auctionID, j, snapshot)

	log.Info().
		Str("auction_id", auctionID.String()).
		Str("connection_id", sub.ID()).
		Msg("joined auction")
	return snapshot, nil
}

// Leave unsubscribes sub from one auction.
func (b *Broadcaster) Leave(sub Subscriber, auctionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(sub.ID(), auctionID)
}

// LeaveAll unsubscribes sub from every auction, typically when its connection closes.
func (b *Broadcaster) LeaveAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for auctionID := range b.rooms {
		b.leaveLocked(sub.ID(), auctionID)
	}
}

// Subscribers returns the number of local subscribers of the auction.
func (b *Broadcaster) Subscribers(auctionID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rooms[auctionID]; ok {
		return len(r.subs)
	}
	return 0
}

// Auctions returns the number of auctions with at least one local subscriber.
func (b *Broadcaster) Auctions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

func (b *Broadcaster) snapshot(ctx context.Context, auctionID uuid.UUID) (*models.AuctionSnapshot, error) {
	snapshot, err := b.store.GetAuctionWithTopBids(ctx, auctionID, b.config.SnapshotBids)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, auctionerrors.NotFound(auctionerrors.ErrAuctionNotFound)
		}
		return nil, fmt.Errorf("failed to load auction snapshot: %w", err)
	}
	return snapshot, nil
}

// beginJoin puts sub in the auction's room as a joiner. For a new room it also
// returns the context bounding the room's remote subscription; the caller opens
// that subscription and closes ready.
func (b *Broadcaster) beginJoin(auctionID uuid.UUID, sub Subscriber) (*joiner, chan struct{}, context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, exists := b.rooms[auctionID]
	var followCtx context.Context
	if !exists {
		var cancel context.CancelFunc
		followCtx, cancel = context.WithCancel(b.ctx)
		r = &room{
			subs:    make(map[string]Subscriber),
			joining: make(map[string]*joiner),
			ready:   make(chan struct{}),
			cancel:  cancel,
		}
		b.rooms[auctionID] = r
	}
	j := &joiner{sub: sub}
	r.joining[sub.ID()] = j
	return j, r.ready, followCtx
}

// completeJoin hands j the events buffered while its snapshot was read, skipping
// bids the snapshot already holds, and makes it a subscriber of the room. Buffered
// events are delivered under the lock so none overtakes them.
func (b *Broadcaster) completeJoin(auctionID uuid.UUID, j *joiner, snapshot *models.AuctionSnapshot) {
	b.mu.Lock()
	if j.left {
		b.mu.Unlock()
		return
	}
	r, ok := b.rooms[auctionID]
	if ok && r.joining[j.sub.ID()] == j {
		delete(r.joining, j.sub.ID())
		r.subs[j.sub.ID()] = j.sub
	}

	keeping := true
	for _, event := range j.buffered {
		if inSnapshot(event, snapshot) {
			continue
		}
		if !j.sub.Deliver(event) {
			keeping = false
			break
		}
	}
	j.buffered = nil
	b.mu.Unlock()

	if !keeping {
		log.Warn().
			Str("auction_id", auctionID.String()).
			Str("connection_id", j.sub.ID()).
			Msg("subscriber cannot keep up, removing it from auction")
		b.Leave(j.sub, auctionID)
	}
}

// abortJoin removes a joiner that will not become a subscriber.
func (b *Broadcaster) abortJoin(auctionID uuid.UUID, j *joiner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j.left = true
	r, ok := b.rooms[auctionID]
	if !ok || r.joining[j.sub.ID()] != j {
		return
	}
	delete(r.joining, j.sub.ID())
	b.dropIfEmptyLocked(auctionID, r)
}

// inSnapshot reports whether a buffered bid is already reflected in the snapshot.
func inSnapshot(event *events.AuctionEvent, snapshot *models.AuctionSnapshot) bool {
	if event.Type != events.EventTypeBidAdmitted {
		return false
	}
	payload, err := events.ParsePayload(event)
	if err != nil {
		return false
	}
	return !payload.(events.BidAdmittedPayload).Amount.GreaterThan(snapshot.Auction.CurrentHighestBid)
}

func (b *Broadcaster) leaveLocked(subID string, auctionID uuid.UUID) {
	r, ok := b.rooms[auctionID]
	if !ok {
		return
	}
	delete(r.subs, subID)
	if j, ok := r.joining[subID]; ok {
		j.left = true
		delete(r.joining, subID)
	}
	b.dropIfEmptyLocked(auctionID, r)
}

func (b *Broadcaster) dropIfEmptyLocked(auctionID uuid.UUID, r *room) {
	if len(r.subs) == 0 && len(r.joining) == 0 && b.rooms[auctionID] == r {
		r.cancel()
		delete(b.rooms, auctionID)
	}
}

// closeRoom drops every subscriber of an ended auction.
func (b *Broadcaster) closeRoom(auctionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rooms[auctionID]; ok {
		r.cancel()
		delete(b.rooms, auctionID)
	}
}

func (b *Broadcaster) deliverLocal(auctionID uuid.UUID, event *events.AuctionEvent) {
	b.mu.Lock()
	var targets []Subscriber
	if r, ok := b.rooms[auctionID]; ok {
		targets = make([]Subscriber, 0, len(r.subs))
		for id, s := range r.subs {
			if _, joining := r.joining[id]; joining {
				continue
			}
			targets = append(targets, s)
		}
		for _, j := range r.joining {
			j.buffered = append(j.buffered, event)
		}
	}
	b.mu.Unlock()

	var lagging []Subscriber
	for _, s := range targets {
		if !s.Deliver(event) {
			lagging = append(lagging, s)
		}
	}
	for _, s := range lagging {
		log.Warn().
			Str("auction_id", auctionID.String()).
			Str("connection_id", s.ID()).
			Str("event_id", event.ID.String()).
			Msg("subscriber cannot keep up, removing it from auction")
		b.Leave(s, auctionID)
	}

	if event.Type == events.EventTypeAuctionClosed {
		b.closeRoom(auctionID)
	}

	log.Debug().
		Str("auction_id", auctionID.String()).
		Str("event_id", event.ID.String()).
		Str("event_type", string(event.Type)).
		Int("connections", len(targets)-len(lagging)).
		Msg("event delivered")
}
