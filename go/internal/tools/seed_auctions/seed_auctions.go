package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/carauction/go/internal/auction/seed"
	"github.com/mcdev12/carauction/go/internal/dbconfig"
)

// row is one INSERT of the fixture.
type row struct {
	kind string
	id   string
	sql  string
	args []interface{}
}

func fixtureRows(f seed.Fixture) []row {
	var rows []row
	for _, u := range f.Users {
		rows = append(rows, row{"user", u.ID.String(), `
            INSERT INTO users (id, username, email, created_at)
            VALUES ($1,$2,$3,$4)
            ON CONFLICT (id) DO NOTHING
        `, []interface{}{u.ID, u.Username, u.Email, u.CreatedAt}})
	}
	for _, c := range f.Cars {
		rows = append(rows, row{"car", c.ID.String(), `
            INSERT INTO cars (
              id, make, model, year, description, image_url,
              reserve_price, specs, created_at
            ) VALUES (
              $1,$2,$3,$4,$5,$6,$7,$8,$9
            )
            ON CONFLICT (id) DO NOTHING
        `, []interface{}{c.ID, c.Make, c.Model, c.Year, c.Description, c.ImageURL, c.ReservePrice, []byte(c.Specs), c.CreatedAt}})
	}
	for _, a := range f.Auctions {
		rows = append(rows, row{"auction", a.ID.String(), `
            INSERT INTO auctions (
              id, car_id, owner_id, starting_bid, current_highest_bid, winner_id,
              status, start_time, end_time, closes_at, created_at, updated_at
            ) VALUES (
              $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
            )
            ON CONFLICT (id) DO NOTHING
        `, []interface{}{
			a.ID, a.CarID, a.OwnerID, a.StartingBid, a.CurrentHighestBid, a.WinnerID,
			string(a.Status), a.StartTime, a.EndTime, a.ClosesAt, a.CreatedAt, a.UpdatedAt,
		}})
	}
	for _, b := range f.Bids {
		rows = append(rows, row{"bid", b.ID.String(), `
            INSERT INTO bids (id, auction_id, user_id, amount, created_at)
            VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (id) DO NOTHING
        `, []interface{}{b.ID, b.AuctionID, b.UserID, b.Amount, b.CreatedAt}})
	}
	return rows
}

func main() {
	// 1) Build the demo data set; ids are stable so re-running skips existing rows
	fixture := seed.NewFixture(time.Now())
	rows := fixtureRows(fixture)

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Insert and count
	var (
		total    = len(rows)
		inserted int
		skipped  int
		errs     int
	)

	for _, r := range rows {
		cmdTag, err := pool.Exec(context.Background(), r.sql, r.args...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting %s %s: %v\n", r.kind, r.id, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	// 4) Print summary
	fmt.Printf(
		"Auction seed complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
	if errs > 0 {
		os.Exit(1)
	}
}
