package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Car is the item being auctioned.
type Car struct {
	ID           uuid.UUID       `json:"id"`
	Make         string          `json:"make"`
	Model        string          `json:"model"`
	Year         int             `json:"year"`
	Description  string          `json:"description"`
	ImageURL     string          `json:"imageUrl"`
	ReservePrice decimal.Decimal `json:"reservePrice"`
	Specs        json.RawMessage `json:"specs,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}
