package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/models"
)

// dedupWindow is how close in time two identical-looking payments must be
// to count as an accidental double-enqueue rather than a genuine repeat
// purchase.
const dedupWindow = 10 * time.Second

const offlineKeyPrefix = "offline_txs:"

// OfflineQueue is a durable FIFO of transactions that could not be committed
// to the primary store. One Redis list per device; items survive restarts.
type OfflineQueue struct {
	redis *redis.Client
	key   string
	log   zerolog.Logger
}

func NewOfflineQueue(rdb *redis.Client, deviceID string, log zerolog.Logger) *OfflineQueue {
	return &OfflineQueue{
		redis: rdb,
		key:   offlineKeyPrefix + deviceID,
		log:   log.With().Str("component", "offline_queue").Str("device_id", deviceID).Logger(),
	}
}

// Enqueue appends the item to the tail of the queue. An item matching the
// same account, machine and amount enqueued within the dedup window is
// dropped as a duplicate; the caller treats the drop as success.
func (q *OfflineQueue) Enqueue(ctx context.Context, item *models.OfflineQueueItem) error {
	if item.SavedAt == 0 {
		item.SavedAt = time.Now().UnixMilli()
	}

	existing, err := q.redis.LRange(ctx, q.key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("scan offline queue: %w", err)
	}

	for _, raw := range existing {
		var queued models.OfflineQueueItem
		if err := json.Unmarshal([]byte(raw), &queued); err != nil {
			continue
		}
		if queued.DedupKey() != item.DedupKey() {
			continue
		}
		if item.SavedAt-queued.SavedAt < dedupWindow.Milliseconds() {
			q.log.Warn().
				Str("client_ref", item.ClientRef).
				Str("machine_id", item.MachineID).
				Int64("amount_cents", item.AmountCents).
				Msg("duplicate offline transaction dropped")
			return nil
		}
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal offline item: %w", err)
	}

	if err := q.redis.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue offline item: %w", err)
	}

	q.log.Info().
		Str("client_ref", item.ClientRef).
		Str("machine_id", item.MachineID).
		Int64("amount_cents", item.AmountCents).
		Msg("transaction queued for reconciliation")
	return nil
}

// DrainCandidates returns the queued items oldest first, stopping at the
// first entry that no longer parses so the caller's commit count lines up
// with list positions. A corrupt entry at the head can never commit and is
// popped; a corrupt entry further back stops the scan and reaches the head
// once everything before it commits.
func (q *OfflineQueue) DrainCandidates(ctx context.Context) ([]models.OfflineQueueItem, error) {
	raws, err := q.redis.LRange(ctx, q.key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read offline queue: %w", err)
	}

	items := make([]models.OfflineQueueItem, 0, len(raws))
	for _, raw := range raws {
		var item models.OfflineQueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			if len(items) > 0 {
				q.log.Warn().Err(err).Msg("corrupt offline queue entry, stopping scan")
				break
			}
			q.log.Warn().Err(err).Msg("dropping corrupt offline queue entry")
			if popErr := q.redis.LPop(ctx, q.key).Err(); popErr != nil && popErr != redis.Nil {
				return nil, fmt.Errorf("drop corrupt entry: %w", popErr)
			}
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// TrimCommitted drops the first n items from the queue. Only the committed
// prefix of the drain snapshot is removed; anything enqueued behind the
// snapshot while the drain was running stays queued.
func (q *OfflineQueue) TrimCommitted(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := q.redis.LTrim(ctx, q.key, int64(n), -1).Err(); err != nil {
		return fmt.Errorf("trim offline queue: %w", err)
	}
	return nil
}

// Len reports the number of queued items.
func (q *OfflineQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.LLen(ctx, q.key).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("offline queue length: %w", err)
	}
	return n, nil
}
