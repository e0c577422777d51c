package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/dayan73a/Kashless/internal/config"
	"github.com/dayan73a/Kashless/internal/models"
)

func newTestReconciler(committer *MockCommitter, store *MockOfflineStore) *Reconciler {
	return NewReconciler(committer, store, config.ReconcilerConfig{Interval: time.Hour}, zerolog.Nop())
}

func TestReconciler_DrainOnce(t *testing.T) {
	itemA := models.OfflineQueueItem{ClientRef: "refA", AccountID: "acc1", AmountCents: 200}
	itemB := models.OfflineQueueItem{ClientRef: "refB", AccountID: "acc1", AmountCents: 300}
	itemC := models.OfflineQueueItem{ClientRef: "refC", AccountID: "acc2", AmountCents: 400}

	t.Run("full drain clears the queue", func(t *testing.T) {
		committer := new(MockCommitter)
		store := new(MockOfflineStore)

		store.On("DrainCandidates", mock.Anything).Return([]models.OfflineQueueItem{itemA, itemB}, nil)
		committer.On("CommitOffline", mock.Anything, &itemA).Return(nil)
		committer.On("CommitOffline", mock.Anything, &itemB).Return(nil)
		committer.On("ReflectMachineStatus", mock.Anything, mock.Anything).Return(nil)
		store.On("TrimCommitted", mock.Anything, 2).Return(nil)

		committed, err := newTestReconciler(committer, store).DrainOnce(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 2, committed)
		store.AssertCalled(t, "TrimCommitted", mock.Anything, 2)
	})

	t.Run("stops at first failure and keeps the rest queued", func(t *testing.T) {
		committer := new(MockCommitter)
		store := new(MockOfflineStore)

		store.On("DrainCandidates", mock.Anything).Return([]models.OfflineQueueItem{itemA, itemB, itemC}, nil)
		committer.On("CommitOffline", mock.Anything, &itemA).Return(nil)
		committer.On("CommitOffline", mock.Anything, &itemB).Return(errors.New("backend down"))
		committer.On("ReflectMachineStatus", mock.Anything, mock.Anything).Return(nil)
		// Only the committed prefix comes off; the failed item and the tail
		// stay queued.
		store.On("TrimCommitted", mock.Anything, 1).Return(nil)

		committed, err := newTestReconciler(committer, store).DrainOnce(context.Background())
		assert.Error(t, err)
		assert.Equal(t, 1, committed)
		committer.AssertNotCalled(t, "CommitOffline", mock.Anything, &itemC)
		store.AssertNotCalled(t, "TrimCommitted", mock.Anything, 3)
		store.AssertExpectations(t)
	})

	t.Run("machine status failure does not fail the item", func(t *testing.T) {
		committer := new(MockCommitter)
		store := new(MockOfflineStore)

		store.On("DrainCandidates", mock.Anything).Return([]models.OfflineQueueItem{itemA}, nil)
		committer.On("CommitOffline", mock.Anything, &itemA).Return(nil)
		committer.On("ReflectMachineStatus", mock.Anything, &itemA).Return(errors.New("machines table locked"))
		store.On("TrimCommitted", mock.Anything, 1).Return(nil)

		committed, err := newTestReconciler(committer, store).DrainOnce(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, committed)
	})

	t.Run("empty queue is a no-op", func(t *testing.T) {
		committer := new(MockCommitter)
		store := new(MockOfflineStore)

		store.On("DrainCandidates", mock.Anything).Return([]models.OfflineQueueItem{}, nil)

		committed, err := newTestReconciler(committer, store).DrainOnce(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 0, committed)
		store.AssertNotCalled(t, "TrimCommitted", mock.Anything, mock.Anything)
	})
}

func TestReconciler_DrainKeepsConcurrentEnqueue(t *testing.T) {
	rdb, rmock := redismock.NewClientMock()
	queue := NewOfflineQueue(rdb, "server", zerolog.Nop())

	a := models.OfflineQueueItem{ClientRef: "refA", AccountID: "acc1", MachineID: "washer-3", AmountCents: 200, SavedAt: 1000}
	b := models.OfflineQueueItem{ClientRef: "refB", AccountID: "acc2", MachineID: "dryer-1", AmountCents: 300, SavedAt: 30000}
	payloadA, _ := json.Marshal(&a)
	payloadB, _ := json.Marshal(&b)

	rmock.ExpectLRange("offline_txs:server", 0, -1).SetVal([]string{string(payloadA)})

	committer := new(MockCommitter)
	committer.On("CommitOffline", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		// A payment lands on the queue while the drain is mid-flight.
		rmock.ExpectLRange("offline_txs:server", 0, -1).SetVal([]string{string(payloadA)})
		rmock.ExpectRPush("offline_txs:server", payloadB).SetVal(2)
		assert.NoError(t, queue.Enqueue(context.Background(), &b))
		rmock.ExpectLTrim("offline_txs:server", 1, -1).SetVal("OK")
	}).Return(nil)
	committer.On("ReflectMachineStatus", mock.Anything, mock.Anything).Return(nil)

	committed, err := NewReconciler(committer, queue, config.ReconcilerConfig{Interval: time.Hour}, zerolog.Nop()).DrainOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, committed)
	// Only the snapshot head is trimmed, so the fresh item stays queued.
	assert.NoError(t, rmock.ExpectationsWereMet())
}
