package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"creator-payment-system/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type OutcomeKind string

const (
	OutcomeConfirmed      OutcomeKind = "confirmed"
	OutcomeRejected       OutcomeKind = "rejected"
	OutcomeClaimed        OutcomeKind = "claimed"
	OutcomeSlotsExhausted OutcomeKind = "slots_exhausted"
)

// Outcome is a user-facing saga event
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	UserID     string      `json:"-"`
	ResourceID string      `json:"resource_id,omitempty"`
	TxHash     string      `json:"tx_hash,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}

// Notifier delivers outcomes to the user they concern. Publish must not block.
type Notifier interface {
	Publish(o Outcome)
}

type NopNotifier struct{}

func (NopNotifier) Publish(Outcome) {}

// OutcomeHub fans outcomes out to the open streams of each user
type OutcomeHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Outcome]struct{}
}

func NewOutcomeHub() *OutcomeHub {
	return &OutcomeHub{subs: make(map[string]map[chan Outcome]struct{})}
}

// Subscribe returns the user's outcome channel and the func that closes it
func (h *OutcomeHub) Subscribe(userID string) (<-chan Outcome, func()) {
	ch := make(chan Outcome, 16)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Outcome]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish drops the outcome for subscribers whose buffer is full
func (h *OutcomeHub) Publish(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[o.UserID] {
		select {
		case ch <- o:
		default:
			logger.Warn("outcome dropped, subscriber is slow", zap.String("user_id", o.UserID), zap.String("kind", string(o.Kind)))
		}
	}
}

// StreamOutcomesSSE streams the authenticated user's outcomes until the client disconnects
func (h *OutcomeHub) StreamOutcomesSSE(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	outcomes, unsubscribe := h.Subscribe(userID)
	done := c.Context().Done()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case o, ok := <-outcomes:
				if !ok {
					return
				}
				payload, err := json.Marshal(o)
				if err != nil {
					logger.Error("failed to encode outcome", zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", o.Kind, payload)
			case <-keepalive.C:
				w.WriteString(":\n\n")
			case <-done:
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})

	return nil
}
