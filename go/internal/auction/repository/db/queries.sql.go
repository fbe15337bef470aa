package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const auctionColumns = `id, car_id, owner_id, starting_bid, current_highest_bid, winner_id, status,
       start_time, end_time, closes_at, created_at, updated_at`

func scanAuction(row interface{ Scan(...interface{}) error }, a *Auction) error {
	return row.Scan(
		&a.ID,
		&a.CarID,
		&a.OwnerID,
		&a.StartingBid,
		&a.CurrentHighestBid,
		&a.WinnerID,
		&a.Status,
		&a.StartTime,
		&a.EndTime,
		&a.ClosesAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}

const getAuction = `-- name: GetAuction :one
SELECT ` + auctionColumns + `
FROM auctions
WHERE id = $1
`

func (q *Queries) GetAuction(ctx context.Context, id uuid.UUID) (Auction, error) {
	row := q.db.QueryRowContext(ctx, getAuction, id)
	var i Auction
	err := scanAuction(row, &i)
	return i, err
}

const getAuctionForBid = `-- name: GetAuctionForBid :one
SELECT a.id, a.car_id, a.owner_id, a.starting_bid, a.current_highest_bid, a.winner_id, a.status,
       a.start_time, a.end_time, a.closes_at, a.created_at, a.updated_at,
       c.reserve_price,
       (SELECT MAX(b.created_at) FROM bids b WHERE b.auction_id = a.id) AS last_bid_at
FROM auctions a
JOIN cars c ON c.id = a.car_id
WHERE a.id = $1
`

type GetAuctionForBidRow struct {
	Auction      Auction
	ReservePrice decimal.Decimal
	LastBidAt    sql.NullTime
}

func (q *Queries) GetAuctionForBid(ctx context.Context, id uuid.UUID) (GetAuctionForBidRow, error) {
	row := q.db.QueryRowContext(ctx, getAuctionForBid, id)
	var i GetAuctionForBidRow
	err := row.Scan(
		&i.Auction.ID,
		&i.Auction.CarID,
		&i.Auction.OwnerID,
		&i.Auction.StartingBid,
		&i.Auction.CurrentHighestBid,
		&i.Auction.WinnerID,
		&i.Auction.Status,
		&i.Auction.StartTime,
		&i.Auction.EndTime,
		&i.Auction.ClosesAt,
		&i.Auction.CreatedAt,
		&i.Auction.UpdatedAt,
		&i.ReservePrice,
		&i.LastBidAt,
	)
	return i, err
}

const getCar = `-- name: GetCar :one
SELECT id, make, model, year, description, image_url, reserve_price, specs, created_at
FROM cars
WHERE id = $1
`

func (q *Queries) GetCar(ctx context.Context, id uuid.UUID) (Car, error) {
	row := q.db.QueryRowContext(ctx, getCar, id)
	var i Car
	err := row.Scan(
		&i.ID,
		&i.Make,
		&i.Model,
		&i.Year,
		&i.Description,
		&i.ImageUrl,
		&i.ReservePrice,
		&i.Specs,
		&i.CreatedAt,
	)
	return i, err
}

const getUser = `-- name: GetUser :one
SELECT id, username, email, created_at
FROM users
WHERE id = $1
`

func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := q.db.QueryRowContext(ctx, getUser, id)
	var i User
	err := row.Scan(&i.ID, &i.Username, &i.Email, &i.CreatedAt)
	return i, err
}

const listTopBids = `-- name: ListTopBids :many
SELECT b.id, b.auction_id, b.user_id, b.amount, b.created_at, u.username
FROM bids b
JOIN users u ON u.id = b.user_id
WHERE b.auction_id = $1
ORDER BY b.amount DESC, b.created_at ASC
LIMIT $2
`

type ListTopBidsParams struct {
	AuctionID uuid.UUID
	Limit     int32
}

type ListTopBidsRow struct {
	Bid      Bid
	Username string
}

func (q *Queries) ListTopBids(ctx context.Context, arg ListTopBidsParams) ([]ListTopBidsRow, error) {
	rows, err := q.db.QueryContext(ctx, listTopBids, arg.AuctionID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListTopBidsRow
	for rows.Next() {
		var i ListTopBidsRow
		if err := rows.Scan(
			&i.Bid.ID,
			&i.Bid.AuctionID,
			&i.Bid.UserID,
			&i.Bid.Amount,
			&i.Bid.CreatedAt,
			&i.Username,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createBid = `-- name: CreateBid :exec
INSERT INTO bids (id, auction_id, user_id, amount, created_at)
VALUES ($1, $2, $3, $4, $5)
`

type CreateBidParams struct {
	ID        uuid.UUID
	AuctionID uuid.UUID
	UserID    uuid.UUID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

func (q *Queries) CreateBid(ctx context.Context, arg CreateBidParams) error {
	_, err := q.db.ExecContext(ctx, createBid,
		arg.ID,
		arg.AuctionID,
		arg.UserID,
		arg.Amount,
		arg.CreatedAt,
	)
	return err
}

const updateAuctionForBid = `-- name: UpdateAuctionForBid :execrows
UPDATE auctions
SET current_highest_bid = $3,
    winner_id = $4,
    status = $5,
    closes_at = $6,
    updated_at = NOW()
WHERE id = $1
  AND current_highest_bid = $2
  AND status <> 'ENDED'
`

type UpdateAuctionForBidParams struct {
	ID                uuid.UUID
	ExpectedHighest   decimal.Decimal
	CurrentHighestBid decimal.Decimal
	WinnerID          uuid.NullUUID
	Status            AuctionStatus
	ClosesAt          sql.NullTime
}

func (q *Queries) UpdateAuctionForBid(ctx context.Context, arg UpdateAuctionForBidParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateAuctionForBid,
		arg.ID,
		arg.ExpectedHighest,
		arg.CurrentHighestBid,
		arg.WinnerID,
		arg.Status,
		arg.ClosesAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const setAuctionStatus = `-- name: SetAuctionStatus :execrows
UPDATE auctions
SET status = $2,
    updated_at = NOW()
WHERE id = $1
  AND status <> 'ENDED'
  AND ($3::uuid IS NULL OR winner_id = $3)
  AND ($4::numeric IS NULL OR current_highest_bid = $4)
`

type SetAuctionStatusParams struct {
	ID                        uuid.UUID
	Status                    AuctionStatus
	ExpectedWinnerID          uuid.NullUUID
	ExpectedCurrentHighestBid decimal.NullDecimal
}

func (q *Queries) SetAuctionStatus(ctx context.Context, arg SetAuctionStatusParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, setAuctionStatus,
		arg.ID,
		arg.Status,
		arg.ExpectedWinnerID,
		arg.ExpectedCurrentHighestBid,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listOpenAuctions = `-- name: ListOpenAuctions :many
SELECT a.id, a.status, a.end_time, a.closes_at,
       (SELECT MAX(b.created_at) FROM bids b WHERE b.auction_id = a.id) AS last_bid_at
FROM auctions a
WHERE a.status IN ('ACTIVE', 'ENDING_SOON')
ORDER BY COALESCE(a.closes_at, a.end_time) ASC
`

type ListOpenAuctionsRow struct {
	ID        uuid.UUID
	Status    AuctionStatus
	EndTime   time.Time
	ClosesAt  sql.NullTime
	LastBidAt sql.NullTime
}

func (q *Queries) ListOpenAuctions(ctx context.Context) ([]ListOpenAuctionsRow, error) {
	rows, err := q.db.QueryContext(ctx, listOpenAuctions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListOpenAuctionsRow
	for rows.Next() {
		var i ListOpenAuctionsRow
		if err := rows.Scan(
			&i.ID,
			&i.Status,
			&i.EndTime,
			&i.ClosesAt,
			&i.LastBidAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
