package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpcreflect"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/carauction/go/internal/auction/repository"
	"github.com/mcdev12/carauction/go/internal/models"
)

// Store defines what the query service reads
type Store interface {
	GetAuctionWithTopBids(ctx context.Context, auctionID uuid.UUID, n int) (*models.AuctionSnapshot, error)
	ListOpenAuctions(ctx context.Context) ([]models.OpenAuction, error)
}

// Deadlines reports the live closing deadline this instance has scheduled.
type Deadlines interface {
	Deadline(auctionID uuid.UUID) (time.Time, bool)
}

// Service is the read-only auction query API
type Service struct {
	store        Store
	deadlines    Deadlines
	snapshotBids int
}

func NewService(store Store, deadlines Deadlines, snapshotBids int) *Service {
	return &Service{store: store, deadlines: deadlines, snapshotBids: snapshotBids}
}

// GetAuction returns the snapshot of {auctionId}.
func (s *Service) GetAuction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	raw := req.Msg.GetFields()["auctionId"].GetStringValue()
	auctionID, err := uuid.Parse(raw)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid auctionId %q", raw))
	}

	snapshot, err := s.store.GetAuctionWithTopBids(ctx, auctionID, s.snapshotBids)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, errors.New("auction not found"))
		}
		log.Error().Err(err).Str("auction_id", auctionID.String()).Msg("failed to get auction")
		return nil, connect.NewError(connect.CodeUnavailable, errors.New("failed to get auction"))
	}

	msg, err := toStruct(snapshot)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

type openAuctionView struct {
	ID        uuid.UUID            `json:"id"`
	Status    models.AuctionStatus `json:"status"`
	EndTime   time.Time            `json:"endTime"`
	ClosesAt  *time.Time           `json:"closesAt,omitempty"`
	LastBidAt *time.Time           `json:"lastBidAt,omitempty"`
	Scheduled bool                 `json:"scheduled"` // a deadline timer is armed on this instance
}

// ListOpenAuctions returns {auctions: [...]} for every ACTIVE or ENDING_SOON auction.
func (s *Service) ListOpenAuctions(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	open, err := s.store.ListOpenAuctions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list open auctions")
		return nil, connect.NewError(connect.CodeUnavailable, errors.New("failed to list open auctions"))
	}

	views := make([]openAuctionView, 0, len(open))
	for _, a := range open {
		view := openAuctionView{ID: a.ID, Status: a.Status, EndTime: a.EndTime, ClosesAt: a.ClosesAt, LastBidAt: a.LastBidAt}
		if s.deadlines != nil {
			if at, ok := s.deadlines.Deadline(a.ID); ok {
				view.ClosesAt = &at
				view.Scheduled = true
			}
		}
		views = append(views, view)
	}

	msg, err := toStruct(map[string]interface{}{"auctions": views})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// NewHandler mounts the service. The returned path is the service prefix for a mux.
func NewHandler(svc *Service, files *Files, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(GetAuctionProcedure, connect.NewUnaryHandler(
		GetAuctionProcedure,
		svc.GetAuction,
		append([]connect.HandlerOption{connect.WithSchema(files.method("GetAuction"))}, opts...)...,
	))
	mux.Handle(ListOpenAuctionsProcedure, connect.NewUnaryHandler(
		ListOpenAuctionsProcedure,
		svc.ListOpenAuctions,
		append([]connect.HandlerOption{connect.WithSchema(files.method("ListOpenAuctions"))}, opts...)...,
	))
	return "/" + ServiceName + "/", mux
}

type serviceNames []string

func (n serviceNames) Names() []string { return n }

// NewReflector serves the query service descriptor for grpcurl and grpcui.
func NewReflector(files *Files) *grpcreflect.Reflector {
	return grpcreflect.NewReflector(
		serviceNames{ServiceName},
		grpcreflect.WithDescriptorResolver(files.Resolver()),
	)
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return structpb.NewStruct(fields)
}
