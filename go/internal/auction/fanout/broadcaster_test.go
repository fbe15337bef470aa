package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/carauction/go/internal/auction/auctionerrors"
	"github.com/mcdev12/carauction/go/internal/auction/bidding"
	"github.com/mcdev12/carauction/go/internal/auction/bus"
	"github.com/mcdev12/carauction/go/internal/auction/events"
	"github.com/mcdev12/carauction/go/internal/auction/guard"
	"github.com/mcdev12/carauction/go/internal/auction/lifecycle"
	"github.com/mcdev12/carauction/go/internal/auction/repository"
	"github.com/mcdev12/carauction/go/internal/models"
)

type recordingSubscriber struct {
	id     string
	mu     sync.Mutex
	events []*events.AuctionEvent
	full   bool
}

func newSubscriber(id string) *recordingSubscriber {
	return &recordingSubscriber{id: id}
}

func (s *recordingSubscriber) ID() string { return s.id }

func (s *recordingSubscriber) Deliver(event *events.AuctionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.events = append(s.events, event)
	return true
}

func (s *recordingSubscriber) received() []*events.AuctionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.AuctionEvent(nil), s.events...)
}

func (s *recordingSubscriber) count(eventType events.EventType) int {
	n := 0
	for _, ev := range s.received() {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type world struct {
	store       *repository.MemoryStore
	guards      *guard.Registry
	clock       *clockwork.FakeClock
	broadcaster *Broadcaster
	lifecycle   *lifecycle.Manager
	engine      *bidding.Engine
	bidder      models.User
	auction     models.Auction
}

// newWorld wires a broadcaster to a real engine and lifecycle manager over the memory store.
func newWorld(t *testing.T, b Bus, instanceID string) *world {
	t.Helper()
	guards, err := guard.NewRegistry(64)
	require.NoError(t, err)

	w := &world{
		store:  repository.NewMemoryStore(),
		guards: guards,
		clock:  clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)),
		bidder: models.User{ID: uuid.New(), Username: "car_lover"},
	}
	owner := models.User{ID: uuid.New(), Username: "auction_master"}
	car := models.Car{ID: uuid.New(), Make: "Tesla", Model: "Model S Plaid", Year: 2023, ReservePrice: decimal.NewFromInt(120000)}
	w.auction = models.Auction{
		ID:                uuid.New(),
		CarID:             car.ID,
		OwnerID:           owner.ID,
		StartingBid:       decimal.NewFromInt(100000),
		CurrentHighestBid: decimal.NewFromInt(100000),
		Status:            models.AuctionStatusActive,
		StartTime:         w.clock.Now().Add(-time.Hour),
		EndTime:           w.clock.Now().Add(7 * 24 * time.Hour),
	}
	w.store.PutUser(owner)
	w.store.PutUser(w.bidder)
	w.store.PutCar(car)
	w.store.PutAuction(w.auction)

	cfg := DefaultConfig()
	cfg.InstanceID = instanceID
	cfg.RelayRetryDelay = time.Millisecond
	w.broadcaster = NewBroadcaster(w.store, guards, b, cfg)

	lcfg := lifecycle.DefaultConfig()
	lcfg.InstanceID = instanceID
	w.lifecycle = lifecycle.NewManager(w.store, guards, w.broadcaster, w.clock, lcfg)

	w.engine, err = bidding.NewEngine(w.store, guards, w.lifecycle, w.broadcaster, w.clock, bidding.Config{InstanceID: instanceID})
	require.NoError(t, err)
	return w
}

func (w *world) run(t *testing.T) {
	t.Helper()
	runBroadcaster(t, w.broadcaster)
}

func runBroadcaster(t *testing.T, b *Broadcaster) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func bidEvent(t *testing.T, auctionID uuid.UUID, origin string, amount int64) *events.AuctionEvent {
	t.Helper()
	ev, err := events.NewBidAdmitted(auctionID, origin, events.BidAdmittedPayload{
		BidID:     uuid.New(),
		Amount:    decimal.NewFromInt(amount),
		UserID:    uuid.New(),
		Username:  "auto_fanatic",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	return ev
}

func TestJoinAfterBidIncludesBid(t *testing.T) {
	w := newWorld(t, nil, "a")
	ctx := context.Background()

	early := newSubscriber("early")
	_, err := w.broadcaster.JoinAuction(ctx, early, w.auction.ID)
	require.NoError(t, err)

	admission, err := w.engine.PlaceBid(ctx, w.auction.ID, w.bidder.ID, decimal.NewFromInt(105000))
	require.NoError(t, err)

	late := newSubscriber("late")
	snapshot, err := w.broadcaster.JoinAuction(ctx, late, w.auction.ID)
	require.NoError(t, err)

	require.True(t, snapshot.Auction.CurrentHighestBid.Equal(decimal.NewFromInt(105000)))
	require.Equal(t, w.bidder.ID, *snapshot.Auction.WinnerID)
	require.Len(t, snapshot.Bids, 1)
	require.Equal(t, admission.Bid.ID, snapshot.Bids[0].ID)
	require.Equal(t, "car_lover", snapshot.Bids[0].Username)
	require.Equal(t, "Tesla", snapshot.Car.Make)

	require.Equal(t, 1, early.count(events.EventTypeBidAdmitted))
	require.Empty(t, late.received(), "no replay of bids committed before joining")
	require.Equal(t, 2, w.broadcaster.Subscribers(w.auction.ID))
}

func TestSnapshotCarriesTopBids(t *testing.T) {
	w := newWorld(t, nil, "a")
	for i := 1; i <= 7; i++ {
		w.store.PutBid(models.Bid{
			ID:        uuid.New(),
			AuctionID: w.auction.ID,
			UserID:    w.bidder.ID,
			Amount:    decimal.NewFromInt(int64(100000 + i*1000)),
			CreatedAt: w.clock.Now().Add(time.Duration(i) * time.Second),
		})
	}

	snapshot, err := w.broadcaster.JoinAuction(context.Background(), newSubscriber("s"), w.auction.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Bids, 5)
	require.True(t, snapshot.Bids[0].Amount.Equal(decimal.NewFromInt(107000)))
	require.True(t, snapshot.Bids[4].Amount.Equal(decimal.NewFromInt(103000)))
}

func TestLateJoinAfterEnd(t *testing.T) {
	w := newWorld(t, nil, "a")
	ctx := context.Background()

	early := newSubscriber("early")
	_, err := w.broadcaster.JoinAuction(ctx, early, w.auction.ID)
	require.NoError(t, err)

	closure, err := w.lifecycle.OnAuctionClosed(ctx, w.auction.ID)
	require.NoError(t, err)
	require.NotNil(t, closure)
	require.Equal(t, 1, early.count(events.EventTypeAuctionClosed))
	require.Equal(t, 0, w.broadcaster.Subscribers(w.auction.ID), "closure releases subscribers")

	late := newSubscriber("late")
	snapshot, err := w.broadcaster.JoinAuction(ctx, late, w.auction.ID)
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusEnded, snapshot.Auction.Status)
	require.Empty(t, late.received())
	require.Equal(t, 0, w.broadcaster.Subscribers(w.auction.ID))

	// A second close attempt produces nothing for anyone.
	_, err = w.lifecycle.OnAuctionClosed(ctx, w.auction.ID)
	require.NoError(t, err)
	require.Equal(t, 1, early.count(events.EventTypeAuctionClosed))
	require.Empty(t, late.received())
}

func TestJoinUnknownAuction(t *testing.T) {
	w := newWorld(t, nil, "a")

	_, err := w.broadcaster.JoinAuction(context.Background(), newSubscriber("s"), uuid.New())
	require.True(t, auctionerrors.Is(err, auctionerrors.KindNotFound))
	require.ErrorIs(t, err, auctionerrors.ErrAuctionNotFound)
	require.Equal(t, 0, w.broadcaster.Auctions())
	require.Equal(t, 0, w.guards.Active())
}

func TestLaggingSubscriberIsRemoved(t *testing.T) {
	w := newWorld(t, nil, "a")
	ctx := context.Background()

	slow := newSubscriber("slow")
	fast := newSubscriber("fast")
	for _, s := range []*recordingSubscriber{slow, fast} {
		_, err := w.broadcaster.JoinAuction(ctx, s, w.auction.ID)
		require.NoError(t, err)
	}
	slow.full = true

	require.NoError(t, w.broadcaster.Publish(ctx, w.auction.ID, bidEvent(t, w.auction.ID, "a", 101000)))
	require.Equal(t, 1, w.broadcaster.Subscribers(w.auction.ID))
	require.Len(t, fast.received(), 1)

	w.broadcaster.LeaveAll(fast)
	require.Equal(t, 0, w.broadcaster.Auctions())
}

func TestPublishRelaysToBus(t *testing.T) {
	localBus := bus.NewLocalBus(16)
	w := newWorld(t, localBus, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayed, err := localBus.SubscribeAuctionEvents(ctx, w.auction.ID)
	require.NoError(t, err)
	w.run(t)

	admission, err := w.engine.PlaceBid(context.Background(), w.auction.ID, w.bidder.ID, decimal.NewFromInt(110000))
	require.NoError(t, err)

	select {
	case ev := <-relayed:
		require.Equal(t, events.EventTypeBidAdmitted, ev.Type)
		require.Equal(t, "a", ev.Origin)
		payload, err := events.ParsePayload(ev)
		require.NoError(t, err)
		require.Equal(t, admission.Bid.ID, payload.(events.BidAdmittedPayload).BidID)
	case <-time.After(time.Second):
		t.Fatal("event was not relayed to the bus")
	}
}

func TestRemoteEventsReachLocalSubscribers(t *testing.T) {
	shared := bus.NewLocalBus(16)
	a := newWorld(t, shared, "a")

	// A second instance with its own guards over the same store.
	guards, err := guard.NewRegistry(64)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.InstanceID = "b"
	other := NewBroadcaster(a.store, guards, shared, cfg)

	a.run(t)
	runBroadcaster(t, other)
	ctx := context.Background()

	onA := newSubscriber("on-a")
	onB := newSubscriber("on-b")
	_, err = a.broadcaster.JoinAuction(ctx, onA, a.auction.ID)
	require.NoError(t, err)
	_, err = other.JoinAuction(ctx, onB, a.auction.ID)
	require.NoError(t, err)

	require.NoError(t, a.broadcaster.Publish(ctx, a.auction.ID, bidEvent(t, a.auction.ID, "a", 101000)))
	require.NoError(t, a.broadcaster.Publish(ctx, a.auction.ID, bidEvent(t, a.auction.ID, "a", 102000)))

	require.Eventually(t, func() bool {
		return len(onB.received()) == 2
	}, time.Second, 5*time.Millisecond)

	// Order across the bus follows publish order.
	first, err := events.ParsePayload(onB.received()[0])
	require.NoError(t, err)
	require.True(t, first.(events.BidAdmittedPayload).Amount.Equal(decimal.NewFromInt(101000)))

	// The publishing instance does not get its own events back from the bus.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, onA.received(), 2)
	require.Len(t, onB.received(), 2)
}

func TestPublishReportsFullRelayQueue(t *testing.T) {
	w := newWorld(t, bus.NewLocalBus(1), "a")
	w.broadcaster.relayCh = make(chan *events.AuctionEvent, 1)
	ctx := context.Background()

	sub := newSubscriber("s")
	_, err := w.broadcaster.JoinAuction(ctx, sub, w.auction.ID)
	require.NoError(t, err)

	// Run is not started, so the queue is never drained.
	require.NoError(t, w.broadcaster.Publish(ctx, w.auction.ID, bidEvent(t, w.auction.ID, "a", 101000)))
	err = w.broadcaster.Publish(ctx, w.auction.ID, bidEvent(t, w.auction.ID, "a", 102000))
	require.ErrorIs(t, err, ErrRelayFull)

	require.Len(t, sub.received(), 2, "local delivery does not depend on the relay")
}

type flakyBus struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	published []*events.AuctionEvent
}

func (f *flakyBus) PublishAuctionEvent(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("nats: timeout")
	}
	f.published = append(f.published, event)
	return nil
}

func (f *flakyBus) SubscribeAuctionEvents(ctx context.Context, auctionID uuid.UUID) (<-chan *events.AuctionEvent, error) {
	return nil, fmt.Errorf("subscriptions not supported")
}

func (f *flakyBus) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, len(f.published)
}

func TestRelayRetriesFailedPublish(t *testing.T) {
	flaky := &flakyBus{failures: 2}
	w := newWorld(t, flaky, "a")
	w.run(t)

	// Joining still works when the bus cannot subscribe.
	sub := newSubscriber("s")
	_, err := w.broadcaster.JoinAuction(context.Background(), sub, w.auction.ID)
	require.NoError(t, err)

	require.NoError(t, w.broadcaster.Publish(context.Background(), w.auction.ID, bidEvent(t, w.auction.ID, "a", 101000)))
	require.Eventually(t, func() bool {
		attempts, published := flaky.snapshot()
		return attempts == 3 && published == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, sub.received(), 1)
}

// commitRemote stores a bid the way another instance would and returns the event
// that instance publishes for it.
func (w *world) commitRemote(t *testing.T, amount int64) *events.AuctionEvent {
	t.Helper()
	current, ok := w.store.Auction(w.auction.ID)
	require.True(t, ok)
	now := w.clock.Now()
	bid := models.Bid{ID: uuid.New(), AuctionID: w.auction.ID, UserID: w.bidder.ID, Amount: decimal.NewFromInt(amount), CreatedAt: now}
	require.NoError(t, w.store.CreateBidAndUpdateAuction(context.Background(), bid, models.AuctionUpdate{
		AuctionID:         w.auction.ID,
		ExpectedHighest:   current.CurrentHighestBid,
		CurrentHighestBid: bid.Amount,
		WinnerID:          w.bidder.ID,
		Status:            models.AuctionStatusActive,
		ClosesAt:          now.Add(90 * time.Second),
	}))
	return bidEvent(t, w.auction.ID, "b", amount)
}

// lateSubscribeBus runs beforeSubscribe ahead of opening each subscription. Like a
// JetStream consumer delivering only new messages, it does not replay what was
// published before.
type lateSubscribeBus struct {
	*bus.LocalBus
	beforeSubscribe func()
}

func (l *lateSubscribeBus) SubscribeAuctionEvents(ctx context.Context, auctionID uuid.UUID) (<-chan *events.AuctionEvent, error) {
	if l.beforeSubscribe != nil {
		l.beforeSubscribe()
	}
	return l.LocalBus.SubscribeAuctionEvents(ctx, auctionID)
}

func TestFirstJoinSeesBidCommittedElsewhere(t *testing.T) {
	shared := bus.NewLocalBus(16)
	remote := &lateSubscribeBus{LocalBus: shared}
	w := newWorld(t, remote, "a")
	w.run(t)

	remote.beforeSubscribe = func() {
		ev := w.commitRemote(t, 130000)
		require.NoError(t, shared.PublishAuctionEvent(context.Background(), w.auction.ID, ev))
	}

	sub := newSubscriber("s")
	snapshot, err := w.broadcaster.JoinAuction(context.Background(), sub, w.auction.ID)
	require.NoError(t, err)

	require.True(t, snapshot.Auction.CurrentHighestBid.Equal(decimal.NewFromInt(130000)), "got %s", snapshot.Auction.CurrentHighestBid)
	require.Len(t, snapshot.Bids, 1)
	require.Empty(t, sub.received())
}

// snapshotHook runs afterRead once, after the snapshot was read and before it is returned.
type snapshotHook struct {
	*repository.MemoryStore
	once      sync.Once
	afterRead func()
}

func (s *snapshotHook) GetAuctionWithTopBids(ctx context.Context, auctionID uuid.UUID, n int) (*models.AuctionSnapshot, error) {
	snapshot, err := s.MemoryStore.GetAuctionWithTopBids(ctx, auctionID, n)
	if err == nil && s.afterRead != nil {
		s.once.Do(s.afterRead)
	}
	return snapshot, err
}

func TestEventsDuringJoinDeliveredOnce(t *testing.T) {
	shared := bus.NewLocalBus(16)
	w := newWorld(t, shared, "a")

	// A bid committed elsewhere whose event is still on its way.
	inFlight := w.commitRemote(t, 120000)

	store := &snapshotHook{MemoryStore: w.store}
	cfg := DefaultConfig()
	cfg.InstanceID = "a"
	b := NewBroadcaster(store, w.guards, shared, cfg)
	runBroadcaster(t, b)

	var newer *events.AuctionEvent
	store.afterRead = func() {
		ctx := context.Background()
		require.NoError(t, shared.PublishAuctionEvent(ctx, w.auction.ID, inFlight))
		newer = w.commitRemote(t, 130000)
		require.NoError(t, shared.PublishAuctionEvent(ctx, w.auction.ID, newer))

		require.Eventually(t, func() bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			j := b.rooms[w.auction.ID].joining["s"]
			return j != nil && len(j.buffered) == 2
		}, time.Second, 5*time.Millisecond, "both events wait for the snapshot")
	}

	sub := newSubscriber("s")
	snapshot, err := b.JoinAuction(context.Background(), sub, w.auction.ID)
	require.NoError(t, err)
	require.True(t, snapshot.Auction.CurrentHighestBid.Equal(decimal.NewFromInt(120000)))

	received := sub.received()
	require.Len(t, received, 1, "the bid already in the snapshot is not repeated")
	require.Equal(t, newer.ID, received[0].ID)
	require.Equal(t, 1, b.Subscribers(w.auction.ID))

	// Later events go straight to the subscriber.
	require.NoError(t, shared.PublishAuctionEvent(context.Background(), w.auction.ID, w.commitRemote(t, 140000)))
	require.Eventually(t, func() bool {
		return len(sub.received()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveDuringJoinDropsRoom(t *testing.T) {
	w := newWorld(t, bus.NewLocalBus(16), "a")
	sub := newSubscriber("s")

	store := &snapshotHook{MemoryStore: w.store}
	store.afterRead = func() {
		w.broadcaster.LeaveAll(sub)
	}
	w.broadcaster.store = store

	_, err := w.broadcaster.JoinAuction(context.Background(), sub, w.auction.ID)
	require.NoError(t, err)
	require.Equal(t, 0, w.broadcaster.Subscribers(w.auction.ID))
	require.Equal(t, 0, w.broadcaster.Auctions())

	require.NoError(t, w.broadcaster.Publish(context.Background(), w.auction.ID, bidEvent(t, w.auction.ID, "a", 101000)))
	require.Empty(t, sub.received())
}
