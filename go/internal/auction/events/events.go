package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of auction event
type EventType string

const (
	EventTypeBidAdmitted   EventType = "BidAdmitted"
	EventTypeAuctionClosed EventType = "AuctionClosed"
)

// AuctionEvent is the envelope carried on the event bus and handed to local subscribers.
type AuctionEvent struct {
	ID        uuid.UUID       `json:"id"`
	AuctionID uuid.UUID       `json:"auctionId"`
	Type      EventType       `json:"type"`
	Origin    string          `json:"origin"` // instance that committed the event
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// BidAdmittedPayload is the payload for a BidAdmitted event
type BidAdmittedPayload struct {
	BidID      uuid.UUID       `json:"bidId"`
	Amount     decimal.Decimal `json:"amount"`
	UserID     uuid.UUID       `json:"userId"`
	Username   string          `json:"username"`
	Timestamp  time.Time       `json:"timestamp"`
	ReserveMet bool            `json:"reserveMet"`
}

// ClosureEvent is the payload for an AuctionClosed event.
type ClosureEvent struct {
	AuctionID   uuid.UUID       `json:"auctionId"`
	WinnerID    *uuid.UUID      `json:"winnerId,omitempty"`
	FinalAmount decimal.Decimal `json:"finalAmount"`
	ClosedAt    time.Time       `json:"closedAt"`
}

// NewBidAdmitted wraps payload in an envelope.
func NewBidAdmitted(auctionID uuid.UUID, origin string, payload BidAdmittedPayload) (*AuctionEvent, error) {
	return newEvent(auctionID, EventTypeBidAdmitted, origin, payload.Timestamp, payload)
}

// NewAuctionClosed wraps closure in an envelope.
func NewAuctionClosed(origin string, closure ClosureEvent) (*AuctionEvent, error) {
	return newEvent(closure.AuctionID, EventTypeAuctionClosed, origin, closure.ClosedAt, closure)
}

func newEvent(auctionID uuid.UUID, eventType EventType, origin string, at time.Time, payload interface{}) (*AuctionEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &AuctionEvent{
		ID:        uuid.New(),
		AuctionID: auctionID,
		Type:      eventType,
		Origin:    origin,
		Timestamp: at,
		Data:      data,
	}, nil
}

// ParsePayload decodes the event data into the payload struct for its type.
func ParsePayload(event *AuctionEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeBidAdmitted:
		var payload BidAdmittedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeAuctionClosed:
		var payload ClosureEvent
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}
}

// Subject returns the bus subject for an auction under prefix, e.g. "auction.events.<id>".
func Subject(prefix string, auctionID uuid.UUID) string {
	return prefix + "." + auctionID.String()
}
