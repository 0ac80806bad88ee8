package stream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDeliveryTimeout bounds a single delivery when none is configured.
const DefaultDeliveryTimeout = 5 * time.Second

var errUnreachable = errors.New("subscriber unreachable")

// Broadcaster fans task events out to every current subscriber.
type Broadcaster struct {
	timeout time.Duration
	obs     Observer
	log     zerolog.Logger
}

// NewBroadcaster creates a broadcaster. timeout bounds each delivery; obs may be nil.
func NewBroadcaster(timeout time.Duration, obs Observer, log zerolog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Broadcaster{timeout: timeout, obs: obs, log: log}
}

type deliveryResult struct {
	id  string
	err error
}

// Broadcast stamps e with the task id and delivers it to each subscriber
// concurrently. Subscribers that fail, report themselves unreachable, or do
// not return within the delivery timeout are removed from the task once all
// deliveries have settled. It returns the number of successful deliveries.
func (b *Broadcaster) Broadcast(ctx context.Context, task *Task, e Event) int {
	msg := NewMessage(task.ID, e)
	subs := task.subs.Snapshot()
	if len(subs) == 0 {
		return 0
	}

	results := make(chan deliveryResult, len(subs))
	for _, sub := range subs {
		go func(sub Subscriber) {
			if !sub.Reachable() {
				results <- deliveryResult{id: sub.ID(), err: errUnreachable}
				return
			}
			dctx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()
			results <- deliveryResult{id: sub.ID(), err: sub.Deliver(dctx, msg)}
		}(sub)
	}

	pending := make(map[string]bool, len(subs))
	for _, sub := range subs {
		pending[sub.ID()] = true
	}

	// A subscriber that ignores its context is abandoned after the deadline.
	deadline := time.NewTimer(b.timeout + b.timeout/2)
	defer deadline.Stop()

	delivered := 0
	var failed []string
collect:
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.id)
			if r.err != nil {
				failed = append(failed, r.id)
				b.log.Debug().Err(r.err).Str("task_id", task.ID).Str("subscriber", r.id).
					Str("event", string(msg.Event)).Msg("delivery failed, pruning subscriber")
				b.obs.Delivered(msg.Event, false)
				continue
			}
			delivered++
			b.obs.Delivered(msg.Event, true)
		case <-deadline.C:
			break collect
		}
	}
	for id := range pending {
		b.log.Warn().Str("task_id", task.ID).Str("subscriber", id).Msg("delivery timed out, pruning subscriber")
		b.obs.Delivered(msg.Event, false)
		failed = append(failed, id)
	}

	for _, id := range failed {
		task.subs.Remove(id)
	}
	return delivered
}
