package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"
)

type AuctionStatus string

const (
	AuctionStatusACTIVE     AuctionStatus = "ACTIVE"
	AuctionStatusENDINGSOON AuctionStatus = "ENDING_SOON"
	AuctionStatusENDED      AuctionStatus = "ENDED"
)

type Auction struct {
	ID                uuid.UUID
	CarID             uuid.UUID
	OwnerID           uuid.UUID
	StartingBid       decimal.Decimal
	CurrentHighestBid decimal.Decimal
	WinnerID          uuid.NullUUID
	Status            AuctionStatus
	StartTime         time.Time
	EndTime           time.Time
	ClosesAt          sql.NullTime
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Bid struct {
	ID        uuid.UUID
	AuctionID uuid.UUID
	UserID    uuid.UUID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type Car struct {
	ID           uuid.UUID
	Make         string
	Model        string
	Year         int32
	Description  sql.NullString
	ImageUrl     sql.NullString
	ReservePrice decimal.Decimal
	Specs        pqtype.NullRawMessage
	CreatedAt    time.Time
}

type User struct {
	ID        uuid.UUID
	Username  string
	Email     string
	CreatedAt time.Time
}
