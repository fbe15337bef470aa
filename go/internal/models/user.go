package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a bidder or auction owner.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}
