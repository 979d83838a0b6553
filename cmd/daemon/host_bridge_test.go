package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/transport"
)

func newTestBridge() *HostBridge {
	return NewHostBridge("http://127.0.0.1:1", transport.NewExecutor(nil))
}

func TestBridgeReplaysLastValueToLateSubscribers(t *testing.T) {
	b := newTestBridge()

	// the stream delivered these before anyone was listening
	b.dispatch(hostEvent{Type: "ride_state", State: "recording"})
	b.dispatch(hostEvent{Type: "speed", Value: 7.5})
	b.dispatch(hostEvent{Type: "widget_on_profile", BoolValue: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rides, err := b.RideState(ctx)
	require.NoError(t, err)
	select {
	case got := <-rides:
		assert.Equal(t, spintunes.RideRecording, got)
	case <-time.After(time.Second):
		t.Fatal("ride state not replayed")
	}

	speeds, err := b.Speed(ctx)
	require.NoError(t, err)
	select {
	case got := <-speeds:
		assert.InDelta(t, 7.5, got, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("speed not replayed")
	}

	profiles, err := b.WidgetOnProfile(ctx)
	require.NoError(t, err)
	select {
	case got := <-profiles:
		assert.True(t, got)
	case <-time.After(time.Second):
		t.Fatal("widget profile flag not replayed")
	}
}

func TestBridgeDeliversNothingBeforeFirstEvent(t *testing.T) {
	b := newTestBridge()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	speeds, err := b.Speed(ctx)
	require.NoError(t, err)

	select {
	case v := <-speeds:
		t.Fatalf("unexpected speed %f", v)
	default:
	}
}

func TestBridgeSlowSubscriberSeesLatestValue(t *testing.T) {
	b := newTestBridge()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	speeds, err := b.Speed(ctx)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		b.dispatch(hostEvent{Type: "speed", Value: float64(i)})
	}

	select {
	case got := <-speeds:
		assert.InDelta(t, 5.0, got, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no speed delivered")
	}
}
