package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dayan73a/Kashless/internal/models"
)

type MockActivator struct {
	mock.Mock
}

func (m *MockActivator) Activate(ctx context.Context, machineID string, minutes int) error {
	args := m.Called(ctx, machineID, minutes)
	return args.Error(0)
}

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, item *models.OfflineQueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordTransaction(ctx context.Context, tx *models.Transaction) (bool, error) {
	args := m.Called(ctx, tx)
	return args.Bool(0), args.Error(1)
}

func (m *MockRecorder) ReflectMachineStatus(ctx context.Context, item *models.OfflineQueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockRecorder) GetByID(ctx context.Context, txID string) (*models.Transaction, error) {
	args := m.Called(ctx, txID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockRecorder) MarkFailed(ctx context.Context, txID string) error {
	args := m.Called(ctx, txID)
	return args.Error(0)
}

type MockCommitter struct {
	mock.Mock
}

func (m *MockCommitter) CommitOffline(ctx context.Context, item *models.OfflineQueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockCommitter) ReflectMachineStatus(ctx context.Context, item *models.OfflineQueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

type MockOfflineStore struct {
	mock.Mock
}

func (m *MockOfflineStore) DrainCandidates(ctx context.Context) ([]models.OfflineQueueItem, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.OfflineQueueItem), args.Error(1)
}

func (m *MockOfflineStore) TrimCommitted(ctx context.Context, n int) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}
