package stream

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event is one snapshot pushed to subscribers: the latest balance or the
// latest transaction for an account. Delivery is at-least-once for the
// newest state; intermediate states may be dropped.
type Event struct {
	Type         string `json:"type"` // balance | transaction
	AccountID    string `json:"account_id"`
	BalanceCents int64  `json:"balance_cents,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

// Subscriber receives events on C. The channel has capacity one; when a
// subscriber lags, the stale snapshot is replaced rather than queued.
type Subscriber struct {
	C         chan Event
	accountID string
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscriber]struct{}),
		log:  log.With().Str("component", "stream").Logger(),
	}
}

func (h *Hub) Subscribe(accountID string) *Subscriber {
	sub := &Subscriber{C: make(chan Event, 1), accountID: accountID}

	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*Subscriber]struct{})
	}
	h.subs[accountID][sub] = struct{}{}
	h.mu.Unlock()

	h.log.Debug().Str("account_id", accountID).Msg("subscriber registered")
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.subs[sub.accountID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.accountID)
		}
	}
	h.mu.Unlock()
}

// Publish delivers the event to every subscriber of the account without
// blocking the caller: a full channel is drained first so the subscriber
// always ends up holding the newest snapshot.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[event.AccountID] {
		select {
		case sub.C <- event:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- event:
			default:
			}
		}
	}
}
