package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/carauction/go/internal/models"
)

// MemoryStore is an in-process store with the same semantics as Repository.
// It backs single-node development runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]models.User
	cars     map[uuid.UUID]models.Car
	auctions map[uuid.UUID]models.Auction
	bids     map[uuid.UUID][]models.Bid
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[uuid.UUID]models.User),
		cars:     make(map[uuid.UUID]models.Car),
		auctions: make(map[uuid.UUID]models.Auction),
		bids:     make(map[uuid.UUID][]models.Bid),
	}
}

func (m *MemoryStore) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) PutCar(c models.Car) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cars[c.ID] = c
}

func (m *MemoryStore) PutAuction(a models.Auction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.ID] = a
}

// PutBid appends a bid without touching the auction row.
func (m *MemoryStore) PutBid(b models.Bid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids[b.AuctionID] = append(m.bids[b.AuctionID], b)
}

// Bids returns the auction's bids in commit order.
func (m *MemoryStore) Bids(auctionID uuid.UUID) []models.Bid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Bid, len(m.bids[auctionID]))
	copy(out, m.bids[auctionID])
	return out
}

// Auction returns the stored auction row.
func (m *MemoryStore) Auction(auctionID uuid.UUID) (models.Auction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[auctionID]
	return a, ok
}

func (m *MemoryStore) GetAuctionWithTopBids(ctx context.Context, auctionID uuid.UUID, n int) (*models.AuctionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	auction, ok := m.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("failed to get auction with top bids: auction: %w", ErrNotFound)
	}
	car, ok := m.cars[auction.CarID]
	if !ok {
		return nil, fmt.Errorf("failed to get auction with top bids: car: %w", ErrNotFound)
	}

	sorted := make([]models.Bid, len(m.bids[auctionID]))
	copy(sorted, m.bids[auctionID])
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Amount.GreaterThan(sorted[j].Amount)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}

	bids := make([]models.BidWithBidder, 0, len(sorted))
	for _, b := range sorted {
		bids = append(bids, models.BidWithBidder{Bid: b, Username: m.users[b.UserID].Username})
	}
	return &models.AuctionSnapshot{Auction: copyAuction(auction), Car: car, Bids: bids}, nil
}

func (m *MemoryStore) GetAuctionForBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionForBid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	auction, ok := m.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("failed to get auction for bid: auction: %w", ErrNotFound)
	}
	car, ok := m.cars[auction.CarID]
	if !ok {
		return nil, fmt.Errorf("failed to get auction for bid: car: %w", ErrNotFound)
	}
	return &models.AuctionForBid{
		Auction:      copyAuction(auction),
		ReservePrice: car.ReservePrice,
		LastBidAt:    m.lastBidAt(auctionID),
	}, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("failed to get user: user: %w", ErrNotFound)
	}
	return &u, nil
}

func (m *MemoryStore) CreateBidAndUpdateAuction(ctx context.Context, bid models.Bid, update models.AuctionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	auction, ok := m.auctions[update.AuctionID]
	if !ok {
		return fmt.Errorf("failed to create bid: auction: %w", ErrNotFound)
	}
	if _, ok := m.users[bid.UserID]; !ok {
		return fmt.Errorf("failed to create bid: user: %w", ErrNotFound)
	}
	if auction.Status == models.AuctionStatusEnded || !auction.CurrentHighestBid.Equal(update.ExpectedHighest) {
		return fmt.Errorf("failed to create bid: %w", ErrConflict)
	}

	winner := update.WinnerID
	closesAt := update.ClosesAt
	auction.CurrentHighestBid = update.CurrentHighestBid
	auction.WinnerID = &winner
	auction.Status = update.Status
	auction.ClosesAt = &closesAt
	auction.UpdatedAt = bid.CreatedAt
	m.auctions[auction.ID] = auction
	m.bids[bid.AuctionID] = append(m.bids[bid.AuctionID], bid)
	return nil
}

// SetAuctionStatus has the compare-and-swap semantics of Repository.SetAuctionStatus.
func (m *MemoryStore) SetAuctionStatus(ctx context.Context, auctionID uuid.UUID, status models.AuctionStatus, winnerID *uuid.UUID, finalAmount *decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	auction, ok := m.auctions[auctionID]
	if !ok {
		return false, fmt.Errorf("failed to set auction status: auction: %w", ErrNotFound)
	}
	if auction.Status == models.AuctionStatusEnded {
		return false, nil
	}
	if winnerID != nil && (auction.WinnerID == nil || *auction.WinnerID != *winnerID) {
		return false, fmt.Errorf("failed to set auction status: %w", ErrConflict)
	}
	if finalAmount != nil && !auction.CurrentHighestBid.Equal(*finalAmount) {
		return false, fmt.Errorf("failed to set auction status: %w", ErrConflict)
	}

	auction.Status = status
	auction.UpdatedAt = time.Now()
	m.auctions[auctionID] = auction
	return true, nil
}

func (m *MemoryStore) ListOpenAuctions(ctx context.Context) ([]models.OpenAuction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []models.OpenAuction
	for _, a := range m.auctions {
		if !a.Status.IsOpen() {
			continue
		}
		var closesAt *time.Time
		if a.ClosesAt != nil {
			t := *a.ClosesAt
			closesAt = &t
		}
		open = append(open, models.OpenAuction{
			ID:        a.ID,
			Status:    a.Status,
			EndTime:   a.EndTime,
			ClosesAt:  closesAt,
			LastBidAt: m.lastBidAt(a.ID),
		})
	}
	return open, nil
}

func (m *MemoryStore) lastBidAt(auctionID uuid.UUID) *time.Time {
	var last *time.Time
	for _, b := range m.bids[auctionID] {
		if last == nil || b.CreatedAt.After(*last) {
			t := b.CreatedAt
			last = &t
		}
	}
	return last
}

func copyAuction(a models.Auction) models.Auction {
	if a.WinnerID != nil {
		w := *a.WinnerID
		a.WinnerID = &w
	}
	if a.ClosesAt != nil {
		t := *a.ClosesAt
		a.ClosesAt = &t
	}
	return a
}
