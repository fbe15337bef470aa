package auctionerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRejectionClassification(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name    string
		err     error
		kind    Kind
		message string
	}{
		{name: "not found", err: NotFound(ErrAuctionNotFound), kind: KindNotFound, message: "Auction not found"},
		{name: "validation", err: Validation("Bid must be higher than $150000", ErrBidTooLow), kind: KindValidationFailed, message: "Bid must be higher than $150000"},
		{name: "conflict", err: Conflict(ErrAuctionEnded.Error(), ErrAuctionEnded), kind: KindStateConflict, message: "Auction has already ended"},
		{name: "unavailable hides cause", err: Unavailable(cause), kind: KindAdapterUnavailable, message: "Failed to place bid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("place bid: %w", tt.err)
			require.Equal(t, tt.kind, KindOf(wrapped))
			require.True(t, Is(wrapped, tt.kind))

			var r *Rejection
			require.ErrorAs(t, wrapped, &r)
			require.Equal(t, tt.message, r.Message)
		})
	}

	require.ErrorIs(t, Unavailable(cause), cause)
	require.Equal(t, Kind(0), KindOf(cause))
}
