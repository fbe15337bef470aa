package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/carauction/go/internal/auction/events"
	"github.com/mcdev12/carauction/go/internal/auction/guard"
	"github.com/mcdev12/carauction/go/internal/auction/repository"
	"github.com/mcdev12/carauction/go/internal/models"
)

// ErrAuctionEnded is returned when a deadline is requested for an auction that already ended.
var ErrAuctionEnded = errors.New("auction already ended")

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
	NewTicker(d time.Duration) clockwork.Ticker
}

// Store is what the manager needs from the auction store.
type Store interface {
	GetAuctionForBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionForBid, error)
	SetAuctionStatus(ctx context.Context, auctionID uuid.UUID, status models.AuctionStatus, winnerID *uuid.UUID, finalAmount *decimal.Decimal) (bool, error)
	ListOpenAuctions(ctx context.Context) ([]models.OpenAuction, error)
}

// Publisher fans closure events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error
}

type Config struct {
	ExtensionWindow   time.Duration
	ReconcileInterval time.Duration
	CloseRetryDelay   time.Duration // delay before retrying a close that hit a store error
	NumWorkers        int
	InstanceID        string
}

func DefaultConfig() Config {
	return Config{
		ExtensionWindow:   90 * time.Second,
		ReconcileInterval: time.Minute,
		CloseRetryDelay:   5 * time.Second,
		NumWorkers:        4,
	}
}

// Manager owns the closing deadline of every open auction this instance knows about.
// Rescheduling and closing an auction both happen under that auction's guard.
type Manager struct {
	store     Store
	guards    *guard.Registry
	publisher Publisher
	clock     Clock
	config    Config

	deadlines   map[uuid.UUID]*deadline
	deadlinesMu sync.Mutex
	nextGen     uint64

	workCh chan firing
	wakeCh chan struct{}
	quit   chan struct{}
	quitMu sync.Once
}

type deadline struct {
	timer clockwork.Timer
	at    time.Time
	gen   uint64
	stop  chan struct{}
}

type firing struct {
	auctionID uuid.UUID
	gen       uint64
}

func NewManager(store Store, guards *guard.Registry, publisher Publisher, clock Clock, cfg Config) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()[:8]
	}
	return &Manager{
		store:     store,
		guards:    guards,
		publisher: publisher,
		clock:     clock,
		config:    cfg,
		deadlines: make(map[uuid.UUID]*deadline),
		workCh:    make(chan firing, cfg.NumWorkers*2),
		wakeCh:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// Window returns the soft-close extension window.
func (m *Manager) Window() time.Duration {
	return m.config.ExtensionWindow
}

// OnQualifyingBid moves the auction's deadline to bidTime plus the extension window,
// replacing any earlier deadline, and returns the new deadline.
// The caller must hold the auction's guard. Acquire already refuses ended auctions, so
// ErrAuctionEnded only reaches callers that reschedule without it.
func (m *Manager) OnQualifyingBid(auctionID uuid.UUID, bidTime time.Time) (time.Time, error) {
	if m.guards.IsRetired(auctionID) {
		return time.Time{}, ErrAuctionEnded
	}

	next := bidTime.Add(m.config.ExtensionWindow)
	m.schedule(auctionID, next)

	log.Debug().
		Str("auction_id", auctionID.String()).
		Time("deadline", next).
		Msg("deadline extended by qualifying bid")
	return next, nil
}

// Deadline returns the live deadline scheduled for the auction, if any.
func (m *Manager) Deadline(auctionID uuid.UUID) (time.Time, bool) {
	m.deadlinesMu.Lock()
	defer m.deadlinesMu.Unlock()
	d, ok := m.deadlines[auctionID]
	if !ok {
		return time.Time{}, false
	}
	return d.at, true
}

// OnAuctionClosed ends the auction, persists its final winner and amount and publishes
// the closure. Closing an auction that already ended is a no-op that returns nil, nil.
// The store write is conditional on the highest bid read here; if a bid landed on another
// instance in between, the auction stays open, its deadline moves and nil, nil is returned.
func (m *Manager) OnAuctionClosed(ctx context.Context, auctionID uuid.UUID) (*events.ClosureEvent, error) {
	release, err := m.guards.Acquire(auctionID)
	if errors.Is(err, guard.ErrRetired) {
		m.cancelTimer(auctionID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	return m.closeLocked(ctx, auctionID)
}

// closeLocked performs the ENDED transition. The caller holds the guard.
func (m *Manager) closeLocked(ctx context.Context, auctionID uuid.UUID) (*events.ClosureEvent, error) {
	state, err := m.store.GetAuctionForBid(ctx, auctionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.cancelTimer(auctionID)
			m.guards.Forget(auctionID)
		}
		return nil, fmt.Errorf("failed to load auction for close: %w", err)
	}

	auction := state.Auction
	if auction.Status == models.AuctionStatusEnded {
		m.cancelTimer(auctionID)
		m.guards.Retire(auctionID)
		return nil, nil
	}

	final := auction.CurrentHighestBid
	changed, err := m.store.SetAuctionStatus(ctx, auctionID, models.AuctionStatusEnded, auction.WinnerID, &final)
	if errors.Is(err, repository.ErrConflict) {
		return nil, m.rescheduleMoved(ctx, auctionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end auction: %w", err)
	}
	m.cancelTimer(auctionID)
	m.guards.Retire(auctionID)
	if !changed {
		return nil, nil
	}

	closure := events.ClosureEvent{
		AuctionID:   auctionID,
		WinnerID:    auction.WinnerID,
		FinalAmount: final,
		ClosedAt:    m.clock.Now(),
	}

	logEvent := log.Info().
		Str("auction_id", auctionID.String()).
		Str("instance", m.config.InstanceID).
		Str("final_amount", final.String())
	if auction.WinnerID != nil {
		logEvent = logEvent.Str("winner_id", auction.WinnerID.String())
	}
	logEvent.Msg("auction ended")

	event, err := events.NewAuctionClosed(m.config.InstanceID, closure)
	if err != nil {
		return &closure, err
	}
	if err := m.publisher.Publish(ctx, auctionID, event); err != nil {
		log.Error().
			Err(err).
			Str("auction_id", auctionID.String()).
			Str("event_id", event.ID.String()).
			Msg("failed to publish auction closure")
	}
	return &closure, nil
}

// rescheduleMoved follows an auction that took a bid on another instance between
// the close's read and its write: the auction stays open until its new deadline.
func (m *Manager) rescheduleMoved(ctx context.Context, auctionID uuid.UUID) error {
	state, err := m.store.GetAuctionForBid(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("failed to reload auction after concurrent bid: %w", err)
	}
	if !state.Auction.Status.IsOpen() {
		m.cancelTimer(auctionID)
		m.guards.Retire(auctionID)
		return nil
	}

	due := m.dueAt(state.Auction.EndTime, state.Auction.ClosesAt, state.LastBidAt)
	m.schedule(auctionID, due)
	log.Info().
		Str("auction_id", auctionID.String()).
		Str("current_highest_bid", state.Auction.CurrentHighestBid.String()).
		Time("deadline", due).
		Msg("auction took a bid while closing, deadline moved")
	return nil
}

// fire handles an expired timer. A timer superseded by a reschedule before it
// got the guard is ignored, and a deadline that moved in storage (for example
// by a bid on another instance) is rescheduled instead of closed.
func (m *Manager) fire(ctx context.Context, f firing) error {
	release, err := m.guards.Acquire(f.auctionID)
	if errors.Is(err, guard.ErrRetired) {
		m.removeTimer(f.auctionID, f.gen)
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	if !m.isCurrent(f.auctionID, f.gen) {
		log.Debug().
			Str("auction_id", f.auctionID.String()).
			Msg("ignoring superseded deadline")
		return nil
	}

	state, err := m.store.GetAuctionForBid(ctx, f.auctionID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			m.schedule(f.auctionID, m.clock.Now().Add(m.config.CloseRetryDelay))
		}
		return fmt.Errorf("failed to load auction at deadline: %w", err)
	}
	if state.Auction.Status.IsOpen() {
		if due := m.dueAt(state.Auction.EndTime, state.Auction.ClosesAt, state.LastBidAt); due.After(m.clock.Now()) {
			m.schedule(f.auctionID, due)
			return nil
		}
	}

	if _, err := m.closeLocked(ctx, f.auctionID); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			m.schedule(f.auctionID, m.clock.Now().Add(m.config.CloseRetryDelay))
		}
		return err
	}
	return nil
}

// dueAt derives an auction's deadline from stored state: the persisted live
// deadline, else the latest bid plus the window, else the nominal end time.
func (m *Manager) dueAt(endTime time.Time, closesAt, lastBidAt *time.Time) time.Time {
	switch {
	case closesAt != nil:
		return *closesAt
	case lastBidAt != nil:
		return lastBidAt.Add(m.config.ExtensionWindow)
	default:
		return endTime
	}
}
