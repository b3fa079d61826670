package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKeepsRingOrder(t *testing.T) {
	l := NewLog()

	l.Record("CCTV", "p1", "ADDED", "ADMIN http://p1/ui")
	l.Record("FEED", "p1:a", "ADDED", "STREAM http://p1/a/stream")

	recent := l.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "CCTV", recent[0].Category)
	assert.Equal(t, "p1:a", recent[1].Object)
}

func TestRingOverwritesOldest(t *testing.T) {
	l := NewLog()

	for i := 0; i < ringSize+10; i++ {
		l.Record("TRANSFER", "dvr", "COMPLETE", "file %d", i)
	}

	recent := l.Recent()
	require.Len(t, recent, ringSize)
	assert.Equal(t, "file 10", recent[0].Detail)
	assert.Equal(t, "file 265", recent[ringSize-1].Detail)
}

func TestSubscribeReceivesNewEvents(t *testing.T) {
	l := NewLog()
	ch, cancel := l.Subscribe()
	defer cancel()

	l.Record("DISK", "/archive", "FULL", "83%% USED")

	select {
	case evt := <-ch:
		assert.Equal(t, "DISK", evt.Category)
		assert.Equal(t, "83% USED", evt.Detail)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	l.Record("DISK", "/archive", "FULL", "84%% USED")
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("event delivered after cancel")
		}
	default:
	}
}

func TestSubscriberOverflowDoesNotBlock(t *testing.T) {
	l := NewLog()
	_, cancel := l.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQ*2; i++ {
			l.Record("LINK", "Today", "TARGET", "2024/05/%02d", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a lagging subscriber")
	}
}

func TestTraceDedup(t *testing.T) {
	l := NewLog()

	// Same scope and text: only state, not output, is observable here;
	// verify the dedup cache records the key once and keeps it.
	l.Trace("http://p1:8080", "HTTP error %d", 500)
	l.Trace("http://p1:8080", "HTTP error %d", 500)
	assert.Equal(t, 1, l.dedup.Len())

	l.Trace("http://p1:8080", "HTTP error %d", 404)
	assert.Equal(t, 2, l.dedup.Len())
}
