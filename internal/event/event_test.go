package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/event"
)

func TestPushAssignsIncreasingSequence(t *testing.T) {
	q := event.NewQueue(4)
	q.Push(event.KindLinkChanged, 1, nil)
	q.Push(event.KindLinkChanged, 2, nil)

	first := <-q.C()
	second := <-q.C()
	assert.Less(t, first.Seq, second.Seq)
}

func TestPushDropsOldestWhenFull(t *testing.T) {
	q := event.NewQueue(1)
	q.Push(event.KindLinkChanged, 1, "first")
	q.Push(event.KindLinkChanged, 2, "second")

	ev := <-q.C()
	assert.Equal(t, "second", ev.Payload)

	select {
	case <-q.C():
		t.Fatal("expected queue to be drained")
	default:
	}
}

func TestEarliestTreatsZeroAsUnbounded(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now, event.Earliest(time.Time{}, now))
	assert.Equal(t, now, event.Earliest(now, time.Time{}))
	assert.True(t, event.Earliest(time.Time{}, time.Time{}).IsZero())
}

func TestEarliestPicksEarlierOfTwo(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	require.Equal(t, now, event.Earliest(now, later))
	require.Equal(t, now, event.Earliest(later, now))
}
