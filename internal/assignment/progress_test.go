package assignment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterDropsWhenConsumerIsSlow(t *testing.T) {
	r := NewReporter(1, 10*time.Millisecond)

	assert.True(t, r.Send(ProgressEvent{Type: EventStart}))

	start := time.Now()
	assert.False(t, r.Send(ProgressEvent{Type: EventProgress}))
	assert.Less(t, time.Since(start), time.Second)

	r.Close()
	events, err := r.Collect(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventStart, events[0].Type)
}

func TestReporterIsSafeWhenNil(t *testing.T) {
	var r *Reporter
	assert.False(t, r.Send(ProgressEvent{Type: EventStart}))
	r.Close()
}

func TestReporterSendAfterClose(t *testing.T) {
	r := NewReporter(4, time.Second)
	r.Close()
	r.Close()
	assert.False(t, r.Send(ProgressEvent{Type: EventStart}))
}

func TestRelayStopsOnSinkError(t *testing.T) {
	r := NewReporter(4, time.Hour)
	require.True(t, r.Send(ProgressEvent{Type: EventStart}))

	errStop := errors.New("client went away")
	err := r.Relay(context.Background(), time.Second, func(ProgressEvent) error {
		return errStop
	})
	assert.ErrorIs(t, err, errStop)

	start := time.Now()
	assert.False(t, r.Send(ProgressEvent{Type: EventProgress}), "sends after the consumer left are discarded")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRelayHonoursContext(t *testing.T) {
	r := NewReporter(4, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := r.Relay(ctx, 5*time.Millisecond, func(ProgressEvent) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelayWaitsAcrossIdleReceives(t *testing.T) {
	r := NewReporter(4, time.Second)
	go func() {
		time.Sleep(30 * time.Millisecond)
		r.Send(ProgressEvent{Type: EventComplete})
		r.Close()
	}()

	events, err := r.Collect(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Type)
}
