package secretgw_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/secretgw"
)

func TestResolveCacheMissIsPendingThenAnswerResolves(t *testing.T) {
	q := event.NewQueue(4)
	g := secretgw.New(q)

	res := g.Resolve("wlan0-wpa", "/etc/wicked/secrets/wlan0", 1)
	assert.Equal(t, secretgw.StatusPending, res.Status)

	select {
	case ev := <-q.C():
		assert.Equal(t, event.KindPromptNeeded, ev.Kind)
		req, ok := ev.Payload.(secretgw.PromptRequest)
		require.True(t, ok)

		idx, ok := g.Answer(req.Token, "hunter2")
		require.True(t, ok)
		assert.Equal(t, 1, idx)
	case <-time.After(time.Second):
		t.Fatal("expected a prompt event")
	}

	res = g.Resolve("wlan0-wpa", "/etc/wicked/secrets/wlan0", 1)
	assert.Equal(t, secretgw.StatusResolved, res.Status)
	assert.Equal(t, "hunter2", res.Secret)
}

func TestResolveDuplicateMissDoesNotEmitTwice(t *testing.T) {
	q := event.NewQueue(4)
	g := secretgw.New(q)

	g.Resolve("id", "path", 1)
	g.Resolve("id", "path", 1)

	<-q.C()
	select {
	case <-q.C():
		t.Fatal("expected only one prompt event for a repeated pending resolve")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnswerUnknownTokenFails(t *testing.T) {
	g := secretgw.New(event.NewQueue(4))
	_, ok := g.Answer("does-not-exist", "secret")
	assert.False(t, ok)
}

func TestSweepExpiredDropsStalePrompts(t *testing.T) {
	q := event.NewQueue(4)
	g := secretgw.New(q)
	g.Resolve("id", "path", 7)
	<-q.C()

	expired := g.SweepExpired(time.Now().Add(11 * time.Minute))
	assert.Equal(t, []int{7}, expired)

	_, ok := g.Answer("whatever", "secret")
	assert.False(t, ok)
}
