package assignment

import (
	"context"
	"sync"
	"time"

	"dutyassign/pkg/metrics"
)

const (
	EventStart    = "start"
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

const (
	StatusSkipped  = "skipped"
	StatusUpdating = "updating"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

// ProgressEvent is one step of a run as seen by an interactive caller.
type ProgressEvent struct {
	Type           string   `json:"type"`
	Date           string   `json:"date,omitempty"`
	RuleID         int64    `json:"rule_id,omitempty"`
	RuleName       string   `json:"rule_name,omitempty"`
	EntityType     string   `json:"entity_type,omitempty"`
	Status         string   `json:"status,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	ProcessedRules int      `json:"processed_rules,omitempty"`
	TotalRules     int      `json:"total_rules,omitempty"`
	CurrentCount   int      `json:"current_count"`
	TotalCount     int      `json:"total_count,omitempty"`
	DutyUserIDs    []int64  `json:"duty_user_ids,omitempty"`
	DutyUserNames  []string `json:"duty_user_names,omitempty"`
	Error          string   `json:"error,omitempty"`
	Result         *Result  `json:"result,omitempty"`
}

// Reporter is the producer side of a progress stream. Sends wait at most
// sendTimeout, after which the event is dropped. A nil Reporter discards
// everything.
type Reporter struct {
	events      chan ProgressEvent
	sendTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	detached bool
}

func NewReporter(buffer int, sendTimeout time.Duration) *Reporter {
	if buffer <= 0 {
		buffer = 1
	}
	return &Reporter{
		events:      make(chan ProgressEvent, buffer),
		sendTimeout: sendTimeout,
	}
}

func (r *Reporter) Events() <-chan ProgressEvent {
	return r.events
}

// Send reports whether ev was queued.
func (r *Reporter) Send(ev ProgressEvent) bool {
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.detached {
		return false
	}

	select {
	case r.events <- ev:
		return true
	default:
	}

	timer := time.NewTimer(r.sendTimeout)
	defer timer.Stop()

	select {
	case r.events <- ev:
		return true
	case <-timer.C:
		metrics.ProgressEventsDroppedTotal.Inc()
		return false
	}
}

// Close ends the stream. It is idempotent.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

func (r *Reporter) detach() {
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
}

// Relay hands events to sink until the stream is closed. Each receive waits
// at most recvTimeout before the context is checked again. When Relay
// returns early, further sends are discarded so the producer is never held
// up by a consumer that has gone away.
func (r *Reporter) Relay(ctx context.Context, recvTimeout time.Duration, sink func(ProgressEvent) error) error {
	if recvTimeout <= 0 {
		recvTimeout = time.Second
	}

	timer := time.NewTimer(recvTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(recvTimeout)

		select {
		case <-ctx.Done():
			r.detach()
			return ctx.Err()
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			if err := sink(ev); err != nil {
				r.detach()
				return err
			}
		case <-timer.C:
			if err := ctx.Err(); err != nil {
				r.detach()
				return err
			}
		}
	}
}

// Collect relays every event into a slice.
func (r *Reporter) Collect(ctx context.Context, recvTimeout time.Duration) ([]ProgressEvent, error) {
	var events []ProgressEvent
	err := r.Relay(ctx, recvTimeout, func(ev ProgressEvent) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}
