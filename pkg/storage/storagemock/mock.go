package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSessionState(ctx context.Context) (types.SessionState, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.SessionState), args.Int(1), args.Error(2)
	}
	return types.SessionState{}, 0, nil
}

func (m *MockDatabase) SetSessionState(ctx context.Context, state types.SessionState, version int) error {
	args := m.Called(ctx, state, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertAction(ctx context.Context, action types.Action) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

func (m *MockDatabase) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Action), args.Error(1)
}

func (m *MockDatabase) GetLatestAction(ctx context.Context) (*types.Action, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Action), args.Error(1)
}

func (m *MockDatabase) UpsertPrices(ctx context.Context, prices []types.Price) error {
	args := m.Called(ctx, prices)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Price), args.Error(1)
}

func (m *MockDatabase) UpdateESSMockState(ctx context.Context, state types.ESSMockState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) GetESSMockState(ctx context.Context) (types.ESSMockState, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.ESSMockState), args.Error(1)
	}
	return types.ESSMockState{}, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
