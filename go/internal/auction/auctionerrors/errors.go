package auctionerrors

import (
	"errors"
	"fmt"
)

// Kind classifies why a request against an auction was refused.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindValidationFailed
	KindStateConflict
	KindAdapterUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindValidationFailed:
		return "ValidationFailed"
	case KindStateConflict:
		return "StateConflict"
	case KindAdapterUnavailable:
		return "AdapterUnavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	ErrAuctionNotFound = errors.New("Auction not found")
	ErrUserNotFound    = errors.New("User not found")
	ErrInvalidAmount   = errors.New("Bid amount must be a positive number")
	ErrBidTooLow       = errors.New("bid does not exceed current highest bid")
	ErrAmountTooLarge  = errors.New("Bid amount is too large")
	ErrAuctionEnded    = errors.New("Auction has already ended")
	ErrAuctionChanged  = errors.New("Auction was updated by another bid, please try again")
	ErrUnavailable     = errors.New("Failed to place bid")
)

// Rejection is the typed refusal returned across the admission boundary.
// Message is safe to show to the requesting client; Err keeps the cause.
type Rejection struct {
	Kind    Kind
	Message string
	Err     error
}

func (r *Rejection) Error() string {
	if r.Err != nil && r.Err.Error() != r.Message {
		return fmt.Sprintf("%s: %s: %v", r.Kind, r.Message, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// NotFound builds a NotFound rejection for err.
func NotFound(err error) *Rejection {
	return &Rejection{Kind: KindNotFound, Message: err.Error(), Err: err}
}

// Validation builds a ValidationFailed rejection with a client-facing message.
func Validation(message string, err error) *Rejection {
	return &Rejection{Kind: KindValidationFailed, Message: message, Err: err}
}

// Conflict builds a StateConflict rejection.
func Conflict(message string, err error) *Rejection {
	return &Rejection{Kind: KindStateConflict, Message: message, Err: err}
}

// Unavailable builds an AdapterUnavailable rejection. The cause is never shown to clients.
func Unavailable(err error) *Rejection {
	return &Rejection{Kind: KindAdapterUnavailable, Message: ErrUnavailable.Error(), Err: err}
}

// KindOf returns the Kind carried by err, or 0 if err is not a Rejection.
func KindOf(err error) Kind {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Kind
	}
	return 0
}

// Is reports whether err is a Rejection of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
