package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/carauction/go/internal/auction/events"
	"github.com/mcdev12/carauction/go/internal/models"
)

// Frame is the JSON envelope exchanged over the websocket in both directions.
// ID is echoed back on the ack of a client command.
type Frame struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound commands
const (
	CommandJoinAuction = "joinAuction"
	CommandPlaceBid    = "placeBid"
)

// Outbound events
const (
	EventConnection   = "connection"
	EventAuctionData  = "auctionData"
	EventBidUpdate    = "bidUpdate"
	EventBidError     = "bidError"
	EventAuctionEnded = "auctionEnded"
	EventError        = "error"
	EventAck          = "ack"
)

const auctionEndedMessage = "Auction has ended"

type ConnectionStatus struct {
	Status string `json:"status"`
}

type ErrorMessage struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Ack struct {
	Success bool `json:"success"`
}

// PlaceBidRequest is the payload of a placeBid command. Amount is a JSON number.
type PlaceBidRequest struct {
	AuctionID string  `json:"auctionId"`
	UserID    string  `json:"userId"`
	Amount    float64 `json:"amount"`
}

type BidError struct {
	Message   string `json:"message"`
	AuctionID string `json:"auctionId"`
}

type UserRef struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

// BidUpdate is broadcast for every admitted bid. Amounts in frames are float64;
// admission caps them at bidding.MaxAmount, well below 2^53, so they keep their cents.
type BidUpdate struct {
	AuctionID    uuid.UUID `json:"auctionId"`
	Amount       float64   `json:"amount"`
	User         UserRef   `json:"user"`
	Timestamp    time.Time `json:"timestamp"`
	IsReserveMet bool      `json:"isReserveMet"`
}

type AuctionEnded struct {
	AuctionID  uuid.UUID  `json:"auctionId"`
	Message    string     `json:"message"`
	WinnerID   *uuid.UUID `json:"winnerId"`
	FinalPrice float64    `json:"finalPrice"`
}

// AuctionData is the snapshot sent in answer to joinAuction.
type AuctionData struct {
	ID                uuid.UUID  `json:"id"`
	CarID             uuid.UUID  `json:"carId"`
	OwnerID           uuid.UUID  `json:"ownerId"`
	StartingBid       float64    `json:"startingBid"`
	CurrentHighestBid float64    `json:"currentHighestBid"`
	WinnerID          *uuid.UUID `json:"winnerId"`
	Status            string     `json:"status"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           time.Time  `json:"endTime"`
	ClosesAt          *time.Time `json:"closesAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	Car               CarData    `json:"car"`
	Bids              []BidData  `json:"bids"`
}

type CarData struct {
	ID           uuid.UUID `json:"id"`
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	Year         int       `json:"year"`
	Description  string    `json:"description"`
	ImageURL     string    `json:"imageUrl"`
	ReservePrice float64   `json:"reservePrice"`
}

type BidData struct {
	ID        uuid.UUID `json:"id"`
	Amount    float64   `json:"amount"`
	AuctionID uuid.UUID `json:"auctionId"`
	UserID    uuid.UUID `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	User      UserRef   `json:"user"`
}

// parseAuctionID accepts either a bare JSON string or an object with auctionId.
func parseAuctionID(data json.RawMessage) (uuid.UUID, error) {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var obj struct {
			AuctionID string `json:"auctionId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return uuid.Nil, fmt.Errorf("invalid joinAuction payload: %w", err)
		}
		raw = obj.AuctionID
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid auction id %q: %w", raw, err)
	}
	return id, nil
}

func encodeFrame(event string, id json.RawMessage, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, ID: id, Data: payload})
}

// renderEvent turns a committed auction event into the frame sent to subscribers.
func renderEvent(event *events.AuctionEvent) ([]byte, error) {
	payload, err := events.ParsePayload(event)
	if err != nil {
		return nil, err
	}

	switch p := payload.(type) {
	case events.BidAdmittedPayload:
		return encodeFrame(EventBidUpdate, nil, BidUpdate{
			AuctionID:    event.AuctionID,
			Amount:       p.Amount.InexactFloat64(),
			User:         UserRef{ID: p.UserID, Username: p.Username},
			Timestamp:    p.Timestamp,
			IsReserveMet: p.ReserveMet,
		})
	case events.ClosureEvent:
		return encodeFrame(EventAuctionEnded, nil, AuctionEnded{
			AuctionID:  event.AuctionID,
			Message:    auctionEndedMessage,
			WinnerID:   p.WinnerID,
			FinalPrice: p.FinalAmount.InexactFloat64(),
		})
	default:
		return nil, fmt.Errorf("no frame for event type %q", event.Type)
	}
}

func newAuctionData(s *models.AuctionSnapshot) AuctionData {
	a := s.Auction
	data := AuctionData{
		ID:                a.ID,
		CarID:             a.CarID,
		OwnerID:           a.OwnerID,
		StartingBid:       a.StartingBid.InexactFloat64(),
		CurrentHighestBid: a.CurrentHighestBid.InexactFloat64(),
		WinnerID:          a.WinnerID,
		Status:            string(a.Status),
		StartTime:         a.StartTime,
		EndTime:           a.EndTime,
		ClosesAt:          a.ClosesAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
		Car: CarData{
			ID:           s.Car.ID,
			Make:         s.Car.Make,
			Model:        s.Car.Model,
			Year:         s.Car.Year,
			Description:  s.Car.Description,
			ImageURL:     s.Car.ImageURL,
			ReservePrice: s.Car.ReservePrice.InexactFloat64(),
		},
		Bids: make([]BidData, 0, len(s.Bids)),
	}
	for _, b := range s.Bids {
		data.Bids = append(data.Bids, BidData{
			ID:        b.ID,
			Amount:    b.Amount.InexactFloat64(),
			AuctionID: b.AuctionID,
			UserID:    b.UserID,
			CreatedAt: b.CreatedAt,
			User:      UserRef{ID: b.UserID, Username: b.Username},
		})
	}
	return data
}
