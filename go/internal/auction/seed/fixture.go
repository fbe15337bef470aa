package seed

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/carauction/go/internal/models"
)

// namespace keeps fixture ids stable across runs so re-seeding is idempotent.
var namespace = uuid.MustParse("6f1c1f5e-2b1f-4b53-9d0c-6d1d8f7b6a10")

func fixtureID(name string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(name))
}

// Fixture is the demo data set: three users, two cars, two week-long auctions
// and two rounds of bids, the second of which meets each reserve.
type Fixture struct {
	Users    []models.User
	Cars     []models.Car
	Auctions []models.Auction
	Bids     []models.Bid
}

// Loader accepts fixture records.
type Loader interface {
	PutUser(models.User)
	PutCar(models.Car)
	PutAuction(models.Auction)
	PutBid(models.Bid)
}

// LoadInto writes every record of f into l.
func (f Fixture) LoadInto(l Loader) {
	for _, u := range f.Users {
		l.PutUser(u)
	}
	for _, c := range f.Cars {
		l.PutCar(c)
	}
	for _, a := range f.Auctions {
		l.PutAuction(a)
	}
	for _, b := range f.Bids {
		l.PutBid(b)
	}
}

// NewFixture builds the data set with auctions starting at now.
func NewFixture(now time.Time) Fixture {
	now = now.UTC().Truncate(time.Second)
	endTime := now.AddDate(0, 0, 7)

	auctioneer := models.User{ID: fixtureID("user:auction_master"), Username: "auction_master", Email: "auctioneer@example.com", CreatedAt: now}
	bidder1 := models.User{ID: fixtureID("user:car_lover"), Username: "car_lover", Email: "bidder1@example.com", CreatedAt: now}
	bidder2 := models.User{ID: fixtureID("user:auto_fanatic"), Username: "auto_fanatic", Email: "bidder2@example.com", CreatedAt: now}

	porsche := models.Car{
		ID:           fixtureID("car:porsche"),
		Make:         "Porsche",
		Model:        "911 Turbo S",
		Year:         2023,
		Description:  "Premium sports car with 640hp",
		ImageURL:     "https://example.com/porsche.jpg",
		ReservePrice: decimal.NewFromInt(200000),
		Specs:        []byte(`{"horsepower":640,"drivetrain":"AWD"}`),
		CreatedAt:    now,
	}
	tesla := models.Car{
		ID:           fixtureID("car:tesla"),
		Make:         "Tesla",
		Model:        "Model S Plaid",
		Year:         2023,
		Description:  "Electric performance sedan",
		ImageURL:     "https://example.com/tesla.jpg",
		ReservePrice: decimal.NewFromInt(120000),
		Specs:        []byte(`{"horsepower":1020,"drivetrain":"AWD"}`),
		CreatedAt:    now,
	}

	porscheAuctionID := fixtureID("auction:porsche")
	teslaAuctionID := fixtureID("auction:tesla")

	bids := []models.Bid{
		{ID: fixtureID("bid:porsche:1"), AuctionID: porscheAuctionID, UserID: bidder1.ID, Amount: decimal.NewFromInt(155000), CreatedAt: now.Add(-4 * time.Minute)},
		{ID: fixtureID("bid:tesla:1"), AuctionID: teslaAuctionID, UserID: bidder2.ID, Amount: decimal.NewFromInt(105000), CreatedAt: now.Add(-4 * time.Minute)},
		{ID: fixtureID("bid:porsche:2"), AuctionID: porscheAuctionID, UserID: bidder2.ID, Amount: decimal.NewFromInt(210000), CreatedAt: now.Add(-2 * time.Minute)},
		{ID: fixtureID("bid:tesla:2"), AuctionID: teslaAuctionID, UserID: bidder1.ID, Amount: decimal.NewFromInt(125000), CreatedAt: now.Add(-2 * time.Minute)},
	}

	auctions := []models.Auction{
		newAuction(porscheAuctionID, porsche, auctioneer.ID, decimal.NewFromInt(150000), now, endTime),
		newAuction(teslaAuctionID, tesla, auctioneer.ID, decimal.NewFromInt(100000), now, endTime),
	}
	// Replay the bids so each auction's highest bid, winner and status match them.
	for i := range auctions {
		for _, b := range bids {
			if b.AuctionID != auctions[i].ID || !b.Amount.GreaterThan(auctions[i].CurrentHighestBid) {
				continue
			}
			winner := b.UserID
			auctions[i].CurrentHighestBid = b.Amount
			auctions[i].WinnerID = &winner
			if b.Amount.GreaterThanOrEqual(reserveFor(auctions[i].CarID, porsche, tesla)) {
				auctions[i].Status = models.AuctionStatusEndingSoon
			}
		}
	}

	return Fixture{
		Users:    []models.User{auctioneer, bidder1, bidder2},
		Cars:     []models.Car{porsche, tesla},
		Auctions: auctions,
		Bids:     bids,
	}
}

func newAuction(id uuid.UUID, car models.Car, ownerID uuid.UUID, startingBid decimal.Decimal, start, end time.Time) models.Auction {
	closesAt := end
	return models.Auction{
		ID:                id,
		CarID:             car.ID,
		OwnerID:           ownerID,
		StartingBid:       startingBid,
		CurrentHighestBid: startingBid,
		Status:            models.AuctionStatusActive,
		StartTime:         start,
		EndTime:           end,
		ClosesAt:          &closesAt,
		CreatedAt:         start,
		UpdatedAt:         start,
	}
}

func reserveFor(carID uuid.UUID, cars ...models.Car) decimal.Decimal {
	for _, c := range cars {
		if c.ID == carID {
			return c.ReservePrice
		}
	}
	return decimal.Zero
}
