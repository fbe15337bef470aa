package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuctionStatus defines the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionStatusActive     AuctionStatus = "ACTIVE"
	AuctionStatusEndingSoon AuctionStatus = "ENDING_SOON"
	AuctionStatusEnded      AuctionStatus = "ENDED"
)

// IsOpen reports whether the auction still accepts bids.
func (s AuctionStatus) IsOpen() bool {
	return s == AuctionStatusActive || s == AuctionStatusEndingSoon
}

// Auction represents a live auction for a single car.
type Auction struct {
	ID                uuid.UUID       `json:"id"`
	CarID             uuid.UUID       `json:"carId"`
	OwnerID           uuid.UUID       `json:"ownerId"`
	StartingBid       decimal.Decimal `json:"startingBid"`
	CurrentHighestBid decimal.Decimal `json:"currentHighestBid"`
	WinnerID          *uuid.UUID      `json:"winnerId,omitempty"`
	Status            AuctionStatus   `json:"status"`
	StartTime         time.Time       `json:"startTime"`
	EndTime           time.Time       `json:"endTime"`
	ClosesAt          *time.Time      `json:"closesAt,omitempty"` // live deadline, moved by every admitted bid
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// AuctionForBid is the slice of state the admission engine reads under the guard.
type AuctionForBid struct {
	Auction      Auction
	ReservePrice decimal.Decimal
	LastBidAt    *time.Time
}

// AuctionUpdate is written together with a new bid.
// ExpectedHighest is the highest bid observed when the bid was validated; the
// update only applies if the stored value still matches.
type AuctionUpdate struct {
	AuctionID         uuid.UUID
	ExpectedHighest   decimal.Decimal
	CurrentHighestBid decimal.Decimal
	WinnerID          uuid.UUID
	Status            AuctionStatus
	ClosesAt          time.Time
}

// AuctionSnapshot is the point-in-time view handed to a joining connection.
type AuctionSnapshot struct {
	Auction Auction         `json:"auction"`
	Car     Car             `json:"car"`
	Bids    []BidWithBidder `json:"bids"`
}

// OpenAuction is an ACTIVE or ENDING_SOON auction as seen by deadline recovery.
type OpenAuction struct {
	ID        uuid.UUID
	Status    AuctionStatus
	EndTime   time.Time
	ClosesAt  *time.Time
	LastBidAt *time.Time
}
