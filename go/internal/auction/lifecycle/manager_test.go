package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/carauction/go/internal/auction/events"
	"github.com/mcdev12/carauction/go/internal/auction/guard"
	"github.com/mcdev12/carauction/go/internal/auction/repository"
	"github.com/mcdev12/carauction/go/internal/models"
)

const window = 90 * time.Second

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.AuctionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) closures() []*events.AuctionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.AuctionEvent
	for _, ev := range p.events {
		if ev.Type == events.EventTypeAuctionClosed {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store     *repository.MemoryStore
	guards    *guard.Registry
	publisher *recordingPublisher
	clock     *clockwork.FakeClock
	manager   *Manager
	owner     models.User
	bidder    models.User
	car       models.Car
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	guards, err := guard.NewRegistry(64)
	require.NoError(t, err)

	f := &fixture{
		store:     repository.NewMemoryStore(),
		guards:    guards,
		publisher: &recordingPublisher{},
		clock:     clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)),
		owner:     models.User{ID: uuid.New(), Username: "auction_master"},
		bidder:    models.User{ID: uuid.New(), Username: "car_lover"},
	}
	f.car = models.Car{ID: uuid.New(), Make: "Porsche", Model: "911 Turbo S", ReservePrice: decimal.NewFromInt(200000)}
	f.store.PutUser(f.owner)
	f.store.PutUser(f.bidder)
	f.store.PutCar(f.car)

	cfg := DefaultConfig()
	cfg.ExtensionWindow = window
	cfg.InstanceID = "test"
	f.manager = NewManager(f.store, guards, f.publisher, f.clock, cfg)
	return f
}

// addAuction stores an open auction. A non-nil closesAt simulates a committed bid.
func (f *fixture) addAuction(endTime time.Time, closesAt *time.Time) models.Auction {
	a := models.Auction{
		ID:                uuid.New(),
		CarID:             f.car.ID,
		OwnerID:           f.owner.ID,
		StartingBid:       decimal.NewFromInt(100000),
		CurrentHighestBid: decimal.NewFromInt(100000),
		Status:            models.AuctionStatusActive,
		StartTime:         f.clock.Now().Add(-time.Hour),
		EndTime:           endTime,
		ClosesAt:          closesAt,
	}
	if closesAt != nil {
		winner := f.bidder.ID
		a.WinnerID = &winner
		a.CurrentHighestBid = decimal.NewFromInt(155000)
	}
	f.store.PutAuction(a)
	return a
}

// bid records a bid at the current fake time the way the admission engine does.
func (f *fixture) bid(t *testing.T, auctionID uuid.UUID) time.Time {
	t.Helper()
	release, err := f.guards.Acquire(auctionID)
	require.NoError(t, err)
	defer release()

	now := f.clock.Now()
	a, ok := f.store.Auction(auctionID)
	require.True(t, ok)
	closesAt := now.Add(window)
	a.ClosesAt = &closesAt
	f.store.PutAuction(a)

	next, err := f.manager.OnQualifyingBid(auctionID, now)
	require.NoError(t, err)
	return next
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) status(auctionID uuid.UUID) models.AuctionStatus {
	a, _ := f.store.Auction(auctionID)
	return a.Status
}

func TestOnAuctionClosedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	closesAt := f.clock.Now().Add(window)
	auction := f.addAuction(f.clock.Now().Add(time.Hour), &closesAt)
	ctx := context.Background()

	closure, err := f.manager.OnAuctionClosed(ctx, auction.ID)
	require.NoError(t, err)
	require.NotNil(t, closure)
	require.Equal(t, f.bidder.ID, *closure.WinnerID)
	require.True(t, closure.FinalAmount.Equal(decimal.NewFromInt(155000)))

	again, err := f.manager.OnAuctionClosed(ctx, auction.ID)
	require.NoError(t, err)
	require.Nil(t, again)

	require.Len(t, f.publisher.closures(), 1)
	stored, _ := f.store.Auction(auction.ID)
	require.Equal(t, models.AuctionStatusEnded, stored.Status)
	require.True(t, stored.CurrentHighestBid.Equal(decimal.NewFromInt(155000)), "final amount unchanged")
	require.Equal(t, f.bidder.ID, *stored.WinnerID)
}

func TestConcurrentClosesProduceOneEvent(t *testing.T) {
	f := newFixture(t)
	auction := f.addAuction(f.clock.Now(), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var closures int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closure, err := f.manager.OnAuctionClosed(context.Background(), auction.ID)
			if err == nil && closure != nil {
				mu.Lock()
				closures++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, closures)
	require.Len(t, f.publisher.closures(), 1)
	require.NotEmpty(t, f.publisher.closures()[0].Data)
}

func TestQualifyingBidExtendsDeadline(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now()
	originalDeadline := start.Add(window)
	auction := f.addAuction(start.Add(time.Hour), &originalDeadline)
	f.run(t)

	require.Eventually(t, func() bool {
		at, ok := f.manager.Deadline(auction.ID)
		return ok && at.Equal(originalDeadline)
	}, time.Second, 5*time.Millisecond, "recovery arms the stored deadline")

	// A bid one second before the deadline moves it to bid time plus the window.
	f.clock.Advance(window - time.Second)
	next := f.bid(t, auction.ID)
	require.Equal(t, originalDeadline.Add(-time.Second).Add(window), next)
	at, ok := f.manager.Deadline(auction.ID)
	require.True(t, ok)
	require.Equal(t, next, at)

	// The original deadline passes without closing the auction.
	f.clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, models.AuctionStatusActive, f.status(auction.ID))
	require.Empty(t, f.publisher.closures())

	// The extended deadline closes it.
	f.clock.Advance(window - time.Second)
	require.Eventually(t, func() bool {
		return f.status(auction.ID) == models.AuctionStatusEnded
	}, time.Second, 5*time.Millisecond)
	require.Len(t, f.publisher.closures(), 1)

	_, ok = f.manager.Deadline(auction.ID)
	require.False(t, ok, "timer released after close")
	require.Equal(t, 0, f.guards.Active(), "guard released after close")
}

func TestRescheduleAfterEndIsRejected(t *testing.T) {
	f := newFixture(t)
	auction := f.addAuction(f.clock.Now(), nil)

	_, err := f.manager.OnAuctionClosed(context.Background(), auction.ID)
	require.NoError(t, err)

	_, err = f.manager.OnQualifyingBid(auction.ID, f.clock.Now())
	require.ErrorIs(t, err, ErrAuctionEnded)

	_, err = f.guards.Acquire(auction.ID)
	require.ErrorIs(t, err, guard.ErrRetired)
}

func TestSupersededFiringDoesNotClose(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now()
	deadline := start.Add(window)
	auction := f.addAuction(start.Add(time.Hour), &deadline)
	f.run(t)

	require.Eventually(t, func() bool {
		_, ok := f.manager.Deadline(auction.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	// Hold the guard while the deadline fires, then reschedule before releasing:
	// the bid got the guard first, so the stale firing must not end the auction.
	release, err := f.guards.Acquire(auction.ID)
	require.NoError(t, err)
	f.clock.Advance(window)
	time.Sleep(20 * time.Millisecond)

	now := f.clock.Now()
	a, _ := f.store.Auction(auction.ID)
	closesAt := now.Add(window)
	a.ClosesAt = &closesAt
	f.store.PutAuction(a)
	_, err = f.manager.OnQualifyingBid(auction.ID, now)
	require.NoError(t, err)
	release()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, models.AuctionStatusActive, f.status(auction.ID))
	require.Empty(t, f.publisher.closures())

	f.clock.Advance(window)
	require.Eventually(t, func() bool {
		return f.status(auction.ID) == models.AuctionStatusEnded
	}, time.Second, 5*time.Millisecond)
}

func TestRecoverRebuildsDeadlines(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	past := now.Add(-time.Minute)
	overdue := f.addAuction(now.Add(time.Hour), &past)
	future := now.Add(30 * time.Second)
	pending := f.addAuction(now.Add(time.Hour), &future)
	noBids := f.addAuction(now.Add(2*time.Hour), nil)

	// Last bid without a persisted deadline: bid time plus the window.
	lastBid := f.addAuction(now.Add(time.Hour), nil)
	f.store.PutBid(models.Bid{ID: uuid.New(), AuctionID: lastBid.ID, UserID: f.bidder.ID, Amount: decimal.NewFromInt(120000), CreatedAt: now.Add(-10 * time.Second)})

	f.run(t)

	require.Eventually(t, func() bool {
		return f.status(overdue.ID) == models.AuctionStatusEnded
	}, time.Second, 5*time.Millisecond, "overdue auctions are force-closed")

	require.Eventually(t, func() bool {
		_, a := f.manager.Deadline(pending.ID)
		_, b := f.manager.Deadline(noBids.ID)
		_, c := f.manager.Deadline(lastBid.ID)
		return a && b && c
	}, time.Second, 5*time.Millisecond)

	at, _ := f.manager.Deadline(pending.ID)
	require.Equal(t, future, at)
	at, _ = f.manager.Deadline(noBids.ID)
	require.Equal(t, noBids.EndTime, at)
	at, _ = f.manager.Deadline(lastBid.ID)
	require.Equal(t, now.Add(-10*time.Second).Add(window), at)

	require.Len(t, f.publisher.closures(), 1)
}

// remoteBidStore commits a bid from another instance the first time the manager
// tries to end an auction, between the manager's read and its write.
type remoteBidStore struct {
	*repository.MemoryStore
	once   sync.Once
	remote func()
}

func (s *remoteBidStore) SetAuctionStatus(ctx context.Context, auctionID uuid.UUID, status models.AuctionStatus, winnerID *uuid.UUID, finalAmount *decimal.Decimal) (bool, error) {
	s.once.Do(s.remote)
	return s.MemoryStore.SetAuctionStatus(ctx, auctionID, status, winnerID, finalAmount)
}

func TestCloseKeepsBidCommittedElsewhere(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now()
	deadline := start.Add(window)
	auction := f.addAuction(start.Add(time.Hour), &deadline)

	rival := models.User{ID: uuid.New(), Username: "speed_demon"}
	f.store.PutUser(rival)
	// The rival bids at the original deadline, so the auction now closes one window later.
	remoteDeadline := deadline.Add(window)
	store := &remoteBidStore{MemoryStore: f.store}
	store.remote = func() {
		bid := models.Bid{ID: uuid.New(), AuctionID: auction.ID, UserID: rival.ID, Amount: decimal.NewFromInt(300000), CreatedAt: deadline}
		err := f.store.CreateBidAndUpdateAuction(context.Background(), bid, models.AuctionUpdate{
			AuctionID:         auction.ID,
			ExpectedHighest:   decimal.NewFromInt(155000),
			CurrentHighestBid: bid.Amount,
			WinnerID:          rival.ID,
			Status:            models.AuctionStatusEndingSoon,
			ClosesAt:          remoteDeadline,
		})
		if err != nil {
			t.Errorf("rival bid: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.ExtensionWindow = window
	cfg.InstanceID = "test"
	f.manager = NewManager(store, f.guards, f.publisher, f.clock, cfg)
	f.run(t)

	require.Eventually(t, func() bool {
		at, ok := f.manager.Deadline(auction.ID)
		return ok && at.Equal(deadline)
	}, time.Second, 5*time.Millisecond)

	// The deadline fires and the rival's bid lands before the close is written.
	f.clock.Advance(window)
	require.Eventually(t, func() bool {
		at, ok := f.manager.Deadline(auction.ID)
		return ok && at.Equal(remoteDeadline)
	}, time.Second, 5*time.Millisecond, "deadline follows the rival's bid")

	stored, _ := f.store.Auction(auction.ID)
	require.Equal(t, models.AuctionStatusEndingSoon, stored.Status)
	require.True(t, stored.CurrentHighestBid.Equal(decimal.NewFromInt(300000)), "got %s", stored.CurrentHighestBid)
	require.Equal(t, rival.ID, *stored.WinnerID)
	require.Empty(t, f.publisher.closures())

	f.clock.Advance(window)
	require.Eventually(t, func() bool {
		return f.status(auction.ID) == models.AuctionStatusEnded
	}, time.Second, 5*time.Millisecond)

	closures := f.publisher.closures()
	require.Len(t, closures, 1)
	payload, err := events.ParsePayload(closures[0])
	require.NoError(t, err)
	closure := payload.(events.ClosureEvent)
	require.Equal(t, rival.ID, *closure.WinnerID)
	require.True(t, closure.FinalAmount.Equal(decimal.NewFromInt(300000)))
}

func TestForcedCloseLosingRaceStaysOpen(t *testing.T) {
	f := newFixture(t)
	deadline := f.clock.Now().Add(window)
	auction := f.addAuction(f.clock.Now().Add(time.Hour), &deadline)

	store := &remoteBidStore{MemoryStore: f.store}
	store.remote = func() {
		a, _ := f.store.Auction(auction.ID)
		a.CurrentHighestBid = decimal.NewFromInt(300000)
		f.store.PutAuction(a)
	}
	f.manager = NewManager(store, f.guards, f.publisher, f.clock, f.manager.config)

	closure, err := f.manager.OnAuctionClosed(context.Background(), auction.ID)
	require.NoError(t, err)
	require.Nil(t, closure)
	require.Equal(t, models.AuctionStatusActive, f.status(auction.ID))
	require.Empty(t, f.publisher.closures())

	at, ok := f.manager.Deadline(auction.ID)
	require.True(t, ok)
	require.Equal(t, deadline, at)
}
