package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/carauction/go/internal/auction/auctionerrors"
	"github.com/mcdev12/carauction/go/internal/auction/bidding"
	"github.com/mcdev12/carauction/go/internal/auction/fanout"
	"github.com/mcdev12/carauction/go/internal/models"
)

// Bidder admits bids
type Bidder interface {
	PlaceBid(ctx context.Context, auctionID, userID uuid.UUID, amount decimal.Decimal) (*bidding.Admission, error)
}

// Rooms tracks which connections follow which auction
type Rooms interface {
	JoinAuction(ctx context.Context, sub fanout.Subscriber, auctionID uuid.UUID) (*models.AuctionSnapshot, error)
	LeaveAll(sub fanout.Subscriber)
	Auctions() int
}

// CommandHandler routes client commands to the auction core
type CommandHandler struct {
	bidder Bidder
	rooms  Rooms
}

func NewCommandHandler(bidder Bidder, rooms Rooms) *CommandHandler {
	return &CommandHandler{bidder: bidder, rooms: rooms}
}

// Handle processes one inbound frame. A panic while handling is reported to the
// client as an error event and never takes the connection down.
func (h *CommandHandler) Handle(ctx context.Context, c *Connection, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("connection_id", c.id).
				Interface("panic", r).
				Msg("recovered from panic while handling client message")
			c.reply(EventError, nil, ErrorMessage{Message: "Internal server error"})
		}
	}()

	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.reply(EventError, nil, ErrorMessage{Message: "Invalid message", Details: err.Error()})
		return
	}

	log.Debug().
		Str("connection_id", c.id).
		Str("event", frame.Event).
		Msg("received client message")

	switch frame.Event {
	case CommandJoinAuction:
		h.joinAuction(ctx, c, frame)
	case CommandPlaceBid:
		h.placeBid(ctx, c, frame)
	default:
		c.reply(EventError, frame.ID, ErrorMessage{Message: fmt.Sprintf("Unknown event %q", frame.Event)})
	}
}

func (h *CommandHandler) joinAuction(ctx context.Context, c *Connection, frame Frame) {
	auctionID, err := parseAuctionID(frame.Data)
	if err != nil {
		c.reply(EventError, frame.ID, ErrorMessage{Message: "Failed to join auction", Details: err.Error()})
		return
	}

	c.beginJoin(auctionID)
	snapshot, err := h.rooms.JoinAuction(ctx, c, auctionID)
	if err != nil {
		c.finishJoin(auctionID, nil)
		if auctionerrors.Is(err, auctionerrors.KindNotFound) {
			c.reply(EventError, frame.ID, ErrorMessage{Message: auctionerrors.ErrAuctionNotFound.Error()})
			return
		}
		log.Error().
			Err(err).
			Str("connection_id", c.id).
			Str("auction_id", auctionID.String()).
			Msg("failed to join auction")
		c.reply(EventError, frame.ID, ErrorMessage{Message: "Failed to join auction", Details: err.Error()})
		return
	}

	data, err := encodeFrame(EventAuctionData, frame.ID, newAuctionData(snapshot))
	if err != nil {
		c.finishJoin(auctionID, nil)
		c.reply(EventError, frame.ID, ErrorMessage{Message: "Failed to join auction", Details: err.Error()})
		return
	}
	c.finishJoin(auctionID, data)
}

func (h *CommandHandler) placeBid(ctx context.Context, c *Connection, frame Frame) {
	var req PlaceBidRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		h.rejectBid(c, frame.ID, req.AuctionID, auctionerrors.Validation("Invalid bid payload", err))
		return
	}

	auctionID, err := uuid.Parse(req.AuctionID)
	if err != nil {
		h.rejectBid(c, frame.ID, req.AuctionID, auctionerrors.NotFound(auctionerrors.ErrAuctionNotFound))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.rejectBid(c, frame.ID, req.AuctionID, auctionerrors.NotFound(auctionerrors.ErrUserNotFound))
		return
	}
	amount, err := bidding.AmountFromFloat(req.Amount)
	if err != nil {
		h.rejectBid(c, frame.ID, req.AuctionID, err)
		return
	}

	if _, err := h.bidder.PlaceBid(ctx, auctionID, userID, amount); err != nil {
		h.rejectBid(c, frame.ID, req.AuctionID, err)
		return
	}
	c.reply(EventAck, frame.ID, Ack{Success: true})
}

// rejectBid answers the submitter only: bidError then a failed ack.
func (h *CommandHandler) rejectBid(c *Connection, id json.RawMessage, auctionID string, err error) {
	message := auctionerrors.ErrUnavailable.Error()
	var rejection *auctionerrors.Rejection
	if errors.As(err, &rejection) {
		message = rejection.Message
	}
	c.reply(EventBidError, nil, BidError{Message: message, AuctionID: auctionID})
	c.reply(EventAck, id, Ack{Success: false})
}
