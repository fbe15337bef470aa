package mock

import (
	context "context"
	reflect "reflect"

	uuid "github.com/google/uuid"
	models "github.com/mcdev12/carauction/go/internal/models"
	gomock "go.uber.org/mock/gomock"
)

// MockStore is a mock of Store interface.
type MockStore struct {
	ctrl     *gomock.Controller
	recorder *MockStoreMockRecorder
	isgomock struct{}
}

// MockStoreMockRecorder is the mock recorder for MockStore.
type MockStoreMockRecorder struct {
	mock *MockStore
}

// NewMockStore creates a new mock instance.
func NewMockStore(ctrl *gomock.Controller) *MockStore {
	mock := &MockStore{ctrl: ctrl}
	mock.recorder = &MockStoreMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockStore) EXPECT() *MockStoreMockRecorder {
	return m.recorder
}

// CreateBidAndUpdateAuction mocks base method.
func (m *MockStore) CreateBidAndUpdateAuction(ctx context.Context, bid models.Bid, update models.AuctionUpdate) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CreateBidAndUpdateAuction", ctx, bid, update)
	ret0, _ := ret[0].(error)
	return ret0
}

// CreateBidAndUpdateAuction indicates an expected call of CreateBidAndUpdateAuction.
func (mr *MockStoreMockRecorder) CreateBidAndUpdateAuction(ctx, bid, update any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CreateBidAndUpdateAuction", reflect.TypeOf((*MockStore)(nil).CreateBidAndUpdateAuction), ctx, bid, update)
}

// GetAuctionForBid mocks base method.
func (m *MockStore) GetAuctionForBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionForBid, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetAuctionForBid", ctx, auctionID)
	ret0, _ := ret[0].(*models.AuctionForBid)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetAuctionForBid indicates an expected call of GetAuctionForBid.
func (mr *MockStoreMockRecorder) GetAuctionForBid(ctx, auctionID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetAuctionForBid", reflect.TypeOf((*MockStore)(nil).GetAuctionForBid), ctx, auctionID)
}

// GetUser mocks base method.
func (m *MockStore) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetUser", ctx, userID)
	ret0, _ := ret[0].(*models.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetUser indicates an expected call of GetUser.
func (mr *MockStoreMockRecorder) GetUser(ctx, userID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetUser", reflect.TypeOf((*MockStore)(nil).GetUser), ctx, userID)
}
