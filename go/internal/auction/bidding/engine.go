package bidding

//go:generate mockgen -source=engine.go -destination=mock/store.go -package=mock Store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/carauction/go/internal/auction/auctionerrors"
	"github.com/mcdev12/carauction/go/internal/auction/events"
	"github.com/mcdev12/carauction/go/internal/auction/guard"
	"github.com/mcdev12/carauction/go/internal/auction/repository"
	"github.com/mcdev12/carauction/go/internal/models"
)

// Store defines what the engine needs from the auction store
type Store interface {
	GetAuctionForBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionForBid, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	CreateBidAndUpdateAuction(ctx context.Context, bid models.Bid, update models.AuctionUpdate) error
}

// Lifecycle is told about every admitted bid so it can move the closing deadline.
type Lifecycle interface {
	Window() time.Duration
	OnQualifyingBid(auctionID uuid.UUID, bidTime time.Time) (time.Time, error)
}

// Publisher fans admitted bids out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, auctionID uuid.UUID, event *events.AuctionEvent) error
}

// Clock stamps admitted bids.
type Clock interface {
	Now() time.Time
}

type Config struct {
	InstanceID        string
	UsernameCacheSize int
}

// Admission describes an accepted bid.
type Admission struct {
	Bid        models.Bid
	Username   string
	NewHighest decimal.Decimal
	ReserveMet bool
	Status     models.AuctionStatus
	ClosesAt   time.Time
}

// Engine admits bids. The read-validate-write sequence of one auction runs under
// that auction's guard, the same guard the lifecycle manager takes to close it.
type Engine struct {
	store      Store
	guards     *guard.Registry
	lifecycle  Lifecycle
	publisher  Publisher
	clock      Clock
	usernames  *lru.Cache
	instanceID string
}

func NewEngine(store Store, guards *guard.Registry, lifecycle Lifecycle, publisher Publisher, clock Clock, cfg Config) (*Engine, error) {
	if cfg.UsernameCacheSize <= 0 {
		cfg.UsernameCacheSize = 1024
	}
	usernames, err := lru.New(cfg.UsernameCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create username cache: %w", err)
	}
	return &Engine{
		store:      store,
		guards:     guards,
		lifecycle:  lifecycle,
		publisher:  publisher,
		clock:      clock,
		usernames:  usernames,
		instanceID: cfg.InstanceID,
	}, nil
}

// MaxAmount is the largest amount the store's NUMERIC(14, 2) columns hold. Every amount
// up to it, cents included, survives the float64 the websocket frames carry.
var MaxAmount = decimal.RequireFromString("999999999999.99")

// AmountFromFloat converts a wire amount, rejecting NaN, infinities and amounts above MaxAmount.
func AmountFromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, auctionerrors.Validation(auctionerrors.ErrInvalidAmount.Error(), auctionerrors.ErrInvalidAmount)
	}
	amount := decimal.NewFromFloat(v)
	if amount.GreaterThan(MaxAmount) {
		return decimal.Zero, auctionerrors.Validation(auctionerrors.ErrAmountTooLarge.Error(), auctionerrors.ErrAmountTooLarge)
	}
	return amount, nil
}

// PlaceBid admits amount from userID on auctionID or returns an *auctionerrors.Rejection.
// Every error returned is a Rejection and the auction's guard is released on every path.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, userID uuid.UUID, amount decimal.Decimal) (*Admission, error) {
	release, err := e.guards.Acquire(auctionID)
	if errors.Is(err, guard.ErrRetired) {
		e.logRejection(auctionID, userID, amount, auctionerrors.ErrAuctionEnded)
		return nil, auctionerrors.Conflict(auctionerrors.ErrAuctionEnded.Error(), auctionerrors.ErrAuctionEnded)
	}
	if err != nil {
		return nil, auctionerrors.Unavailable(err)
	}
	defer release()

	admission, rejection := e.admitLocked(ctx, auctionID, userID, amount)
	if rejection != nil {
		e.logRejection(auctionID, userID, amount, rejection)
		return nil, rejection
	}
	return admission, nil
}

// admitLocked runs with the auction's guard held.
func (e *Engine) admitLocked(ctx context.Context, auctionID, userID uuid.UUID, amount decimal.Decimal) (*Admission, *auctionerrors.Rejection) {
	state, err := e.store.GetAuctionForBid(ctx, auctionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.guards.Forget(auctionID)
			return nil, auctionerrors.NotFound(auctionerrors.ErrAuctionNotFound)
		}
		return nil, auctionerrors.Unavailable(err)
	}

	auction := state.Auction
	if auction.Status == models.AuctionStatusEnded {
		e.guards.Retire(auctionID)
		return nil, auctionerrors.Conflict(auctionerrors.ErrAuctionEnded.Error(), auctionerrors.ErrAuctionEnded)
	}
	if !amount.IsPositive() {
		return nil, auctionerrors.Validation(auctionerrors.ErrInvalidAmount.Error(), auctionerrors.ErrInvalidAmount)
	}
	if amount.GreaterThan(MaxAmount) {
		return nil, auctionerrors.Validation(auctionerrors.ErrAmountTooLarge.Error(), auctionerrors.ErrAmountTooLarge)
	}
	if !amount.GreaterThan(auction.CurrentHighestBid) {
		return nil, auctionerrors.Validation(
			fmt.Sprintf("Bid must be higher than $%s", auction.CurrentHighestBid.String()),
			auctionerrors.ErrBidTooLow,
		)
	}

	username, err := e.username(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, auctionerrors.NotFound(auctionerrors.ErrUserNotFound)
		}
		return nil, auctionerrors.Unavailable(err)
	}

	now := e.clock.Now()
	reserveMet := amount.GreaterThanOrEqual(state.ReservePrice)
	status := models.AuctionStatusActive
	if reserveMet {
		status = models.AuctionStatusEndingSoon
	}
	closesAt := now.Add(e.lifecycle.Window())

	bid := models.Bid{
		ID:        uuid.New(),
		AuctionID: auctionID,
		UserID:    userID,
		Amount:    amount,
		CreatedAt: now,
	}
	update := models.AuctionUpdate{
		AuctionID:         auctionID,
		ExpectedHighest:   auction.CurrentHighestBid,
		CurrentHighestBid: amount,
		WinnerID:          userID,
		Status:            status,
		ClosesAt:          closesAt,
	}
	if err := e.store.CreateBidAndUpdateAuction(ctx, bid, update); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, auctionerrors.Conflict(auctionerrors.ErrAuctionChanged.Error(), err)
		case errors.Is(err, repository.ErrNotFound):
			return nil, auctionerrors.NotFound(auctionerrors.ErrUserNotFound)
		default:
			return nil, auctionerrors.Unavailable(err)
		}
	}

	// The bid is committed; from here on failures are logged, not returned.
	if next, err := e.lifecycle.OnQualifyingBid(auctionID, now); err != nil {
		log.Error().
			Err(err).
			Str("auction_id", auctionID.String()).
			Msg("failed to reschedule deadline after admitted bid")
	} else {
		closesAt = next
	}

	admission := &Admission{
		Bid:        bid,
		Username:   username,
		NewHighest: amount,
		ReserveMet: reserveMet,
		Status:     status,
		ClosesAt:   closesAt,
	}
	e.publish(ctx, admission)

	log.Info().
		Str("auction_id", auctionID.String()).
		Str("user_id", userID.String()).
		Str("amount", amount.String()).
		Bool("reserve_met", reserveMet).
		Time("deadline", closesAt).
		Msg("bid admitted")
	return admission, nil
}

func (e *Engine) publish(ctx context.Context, a *Admission) {
	event, err := events.NewBidAdmitted(a.Bid.AuctionID, e.instanceID, events.BidAdmittedPayload{
		BidID:      a.Bid.ID,
		Amount:     a.Bid.Amount,
		UserID:     a.Bid.UserID,
		Username:   a.Username,
		Timestamp:  a.Bid.CreatedAt,
		ReserveMet: a.ReserveMet,
	})
	if err == nil {
		err = e.publisher.Publish(ctx, a.Bid.AuctionID, event)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("auction_id", a.Bid.AuctionID.String()).
			Str("bid_id", a.Bid.ID.String()).
			Msg("failed to publish admitted bid")
	}
}

// username resolves and caches a bidder's display name. Users are never deleted,
// so a cached name also proves the user exists.
func (e *Engine) username(ctx context.Context, userID uuid.UUID) (string, error) {
	if v, ok := e.usernames.Get(userID); ok {
		return v.(string), nil
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	e.usernames.Add(userID, user.Username)
	return user.Username, nil
}

func (e *Engine) logRejection(auctionID, userID uuid.UUID, amount decimal.Decimal, err error) {
	kind := auctionerrors.KindOf(err)
	if kind == 0 && errors.Is(err, auctionerrors.ErrAuctionEnded) {
		kind = auctionerrors.KindStateConflict
	}

	var logEvent = log.Debug()
	switch kind {
	case auctionerrors.KindStateConflict:
		logEvent = log.Warn()
	case auctionerrors.KindAdapterUnavailable:
		logEvent = log.Error()
	}
	logEvent.
		Err(err).
		Str("auction_id", auctionID.String()).
		Str("user_id", userID.String()).
		Str("amount", amount.String()).
		Str("kind", kind.String()).
		Msg("bid rejected")
}
