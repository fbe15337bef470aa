package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcdev12/carauction/go/internal/auction/seed"
)

func TestFixtureRowsInsertParentsFirst(t *testing.T) {
	f := seed.NewFixture(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	rows := fixtureRows(f)
	require.Len(t, rows, len(f.Users)+len(f.Cars)+len(f.Auctions)+len(f.Bids))

	order := map[string]int{"user": 0, "car": 1, "auction": 2, "bid": 3}
	for i := 1; i < len(rows); i++ {
		require.LessOrEqual(t, order[rows[i-1].kind], order[rows[i].kind])
	}
	for _, r := range rows {
		require.Contains(t, r.sql, "ON CONFLICT (id) DO NOTHING")
	}
}
