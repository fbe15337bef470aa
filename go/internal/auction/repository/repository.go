package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/carauction/go/internal/auction/repository/db"
	"github.com/mcdev12/carauction/go/internal/models"
	"github.com/mcdev12/carauction/go/internal/sqlutil"
)

//go:embed schema.sql
var schema string

var (
	// ErrNotFound is returned when a referenced auction, car or user does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-swap update found the auction changed underneath it.
	ErrConflict = errors.New("auction changed concurrently")
)

const pqForeignKeyViolation = "23503"

type Repository struct {
	db      *sql.DB
	queries *db.Queries
}

func NewRepository(sqlDB *sql.DB) *Repository {
	return &Repository{
		db:      sqlDB,
		queries: db.New(sqlDB),
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *Repository) GetAuctionWithTopBids(ctx context.Context, auctionID uuid.UUID, n int) (*models.AuctionSnapshot, error) {
	var snapshot *models.AuctionSnapshot
	readOnly := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	err := sqlutil.RunWithOptions(ctx, r.db, readOnly, r.queries.WithTx, func(q *db.Queries) error {
		auction, err := q.GetAuction(ctx, auctionID)
		if err != nil {
			return mapNotFound(err, "auction")
		}
		car, err := q.GetCar(ctx, auction.CarID)
		if err != nil {
			return mapNotFound(err, "car")
		}
		rows, err := q.ListTopBids(ctx, db.ListTopBidsParams{AuctionID: auctionID, Limit: int32(n)})
		if err != nil {
			return fmt.Errorf("failed to list top bids: %w", err)
		}

		bids := make([]models.BidWithBidder, 0, len(rows))
		for _, row := range rows {
			bids = append(bids, models.BidWithBidder{
				Bid:      dbBidToModel(row.Bid),
				Username: row.Username,
			})
		}
		snapshot = &models.AuctionSnapshot{
			Auction: dbAuctionToModel(auction),
			Car:     dbCarToModel(car),
			Bids:    bids,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get auction with top bids: %w", err)
	}
	return snapshot, nil
}

func (r *Repository) GetAuctionForBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionForBid, error) {
	row, err := r.queries.GetAuctionForBid(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get auction for bid: %w", mapNotFound(err, "auction"))
	}
	return &models.AuctionForBid{
		Auction:      dbAuctionToModel(row.Auction),
		ReservePrice: row.ReservePrice,
		LastBidAt:    sqlutil.FromSqlTime(row.LastBidAt),
	}, nil
}

func (r *Repository) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := r.queries.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", mapNotFound(err, "user"))
	}
	return &models.User{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	}, nil
}

// CreateBidAndUpdateAuction inserts bid and applies update in one transaction.
// The auction row only changes if its highest bid still equals update.ExpectedHighest
// and it has not ended; otherwise ErrConflict is returned and nothing is written.
func (r *Repository) CreateBidAndUpdateAuction(ctx context.Context, bid models.Bid, update models.AuctionUpdate) error {
	err := sqlutil.Run(ctx, r.db, r.queries.WithTx, func(q *db.Queries) error {
		closesAt := update.ClosesAt
		affected, err := q.UpdateAuctionForBid(ctx, db.UpdateAuctionForBidParams{
			ID:                update.AuctionID,
			ExpectedHighest:   update.ExpectedHighest,
			CurrentHighestBid: update.CurrentHighestBid,
			WinnerID:          uuid.NullUUID{UUID: update.WinnerID, Valid: true},
			Status:            db.AuctionStatus(update.Status),
			ClosesAt:          sqlutil.ToSqlTime(&closesAt),
		})
		if err != nil {
			return mapForeignKey(err)
		}
		if affected == 0 {
			return ErrConflict
		}

		if err := q.CreateBid(ctx, db.CreateBidParams{
			ID:        bid.ID,
			AuctionID: bid.AuctionID,
			UserID:    bid.UserID,
			Amount:    bid.Amount,
			CreatedAt: bid.CreatedAt,
		}); err != nil {
			return mapForeignKey(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create bid: %w", err)
	}
	return nil
}

// SetAuctionStatus moves a non-ended auction to status. winnerID and finalAmount are
// the values the caller read; when given, the auction only changes if they are still
// stored, and they are never overwritten. It reports false when the auction had already
// ENDED and returns ErrConflict when a bid landed after the caller's read.
func (r *Repository) SetAuctionStatus(ctx context.Context, auctionID uuid.UUID, status models.AuctionStatus, winnerID *uuid.UUID, finalAmount *decimal.Decimal) (bool, error) {
	affected, err := r.queries.SetAuctionStatus(ctx, setAuctionStatusParams(auctionID, status, winnerID, finalAmount))
	if err != nil {
		return false, fmt.Errorf("failed to set auction status: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	auction, err := r.queries.GetAuction(ctx, auctionID)
	if err != nil {
		return false, fmt.Errorf("failed to set auction status: %w", mapNotFound(err, "auction"))
	}
	if auction.Status == db.AuctionStatusENDED {
		return false, nil
	}
	return false, fmt.Errorf("failed to set auction status: %w", ErrConflict)
}

func setAuctionStatusParams(auctionID uuid.UUID, status models.AuctionStatus, winnerID *uuid.UUID, finalAmount *decimal.Decimal) db.SetAuctionStatusParams {
	var amount decimal.NullDecimal
	if finalAmount != nil {
		amount = decimal.NewNullDecimal(*finalAmount)
	}
	return db.SetAuctionStatusParams{
		ID:                        auctionID,
		Status:                    db.AuctionStatus(status),
		ExpectedWinnerID:          sqlutil.ToNullUUID(winnerID),
		ExpectedCurrentHighestBid: amount,
	}
}

func (r *Repository) ListOpenAuctions(ctx context.Context) ([]models.OpenAuction, error) {
	rows, err := r.queries.ListOpenAuctions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open auctions: %w", err)
	}

	open := make([]models.OpenAuction, 0, len(rows))
	for _, row := range rows {
		open = append(open, models.OpenAuction{
			ID:        row.ID,
			Status:    models.AuctionStatus(row.Status),
			EndTime:   row.EndTime,
			ClosesAt:  sqlutil.FromSqlTime(row.ClosesAt),
			LastBidAt: sqlutil.FromSqlTime(row.LastBidAt),
		})
	}
	return open, nil
}

func mapNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func mapForeignKey(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, ErrNotFound)
	}
	return err
}

func dbAuctionToModel(a db.Auction) models.Auction {
	return models.Auction{
		ID:                a.ID,
		CarID:             a.CarID,
		OwnerID:           a.OwnerID,
		StartingBid:       a.StartingBid,
		CurrentHighestBid: a.CurrentHighestBid,
		WinnerID:          sqlutil.FromNullUUID(a.WinnerID),
		Status:            models.AuctionStatus(a.Status),
		StartTime:         a.StartTime,
		EndTime:           a.EndTime,
		ClosesAt:          sqlutil.FromSqlTime(a.ClosesAt),
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func dbCarToModel(c db.Car) models.Car {
	return models.Car{
		ID:           c.ID,
		Make:         c.Make,
		Model:        c.Model,
		Year:         int(c.Year),
		Description:  sqlutil.FromSqlString(c.Description, ""),
		ImageURL:     sqlutil.FromSqlString(c.ImageUrl, ""),
		ReservePrice: c.ReservePrice,
		Specs:        sqlutil.FromNullRawMessage(c.Specs),
		CreatedAt:    c.CreatedAt,
	}
}

func dbBidToModel(b db.Bid) models.Bid {
	return models.Bid{
		ID:        b.ID,
		AuctionID: b.AuctionID,
		UserID:    b.UserID,
		Amount:    b.Amount,
		CreatedAt: b.CreatedAt,
	}
}
