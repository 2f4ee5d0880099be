package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestHubPublishWithoutSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(1)
	h.Publish(Event{Type: "message.created"})
	assert.Equal(t, 0, h.Len())
}

func TestHubFiltersByUser(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(4)
	alice := h.Subscribe("alice")
	all := h.Subscribe("")
	defer h.Unsubscribe(alice)
	defer h.Unsubscribe(all)

	h.Publish(Event{Type: "calendar.updated", UserIDs: []string{"bob"}})
	h.Publish(Event{Type: "channel.created", UserIDs: []string{"alice", "bob"}})

	got := <-alice.C
	assert.Equal(t, "channel.created", got.Type)
	assert.Len(t, alice.C, 0)
	assert.Len(t, all.C, 2)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(1)
	sub := h.Subscribe("")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: "message.created"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.C, 1)

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestHubConcurrentSubscribeAndPublish(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := h.Subscribe("")
			h.Publish(Event{Type: "x"})
			h.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}

func TestRedisBridgeRelaysBetweenProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newBridge := func() (*RedisBridge, *Hub) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := NewHub(4)
		return NewRedisBridge(client, hub, "workspace:events", zap.NewNop()), hub
	}
	worker, workerHub := newBridge()
	api, apiHub := newBridge()

	go func() { _ = worker.Run(ctx) }()
	go func() { _ = api.Run(ctx) }()
	require.Eventually(t, func() bool { return mr.PubSubNumSub("workspace:events")["workspace:events"] == 2 }, time.Second, 10*time.Millisecond)

	local := workerHub.Subscribe("")
	remote := apiHub.Subscribe("alice")

	worker.Publish(Event{Type: "message.created", Reason: "assistant send", UserIDs: []string{"alice"}})

	select {
	case ev := <-remote.C:
		assert.Equal(t, "message.created", ev.Type)
		assert.Equal(t, []string{"alice"}, ev.UserIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("remote hub never received the event")
	}

	ev := <-local.C
	assert.Equal(t, "assistant send", ev.Reason)
	// The origin process must not see its own event twice.
	select {
	case dup := <-local.C:
		t.Fatalf("unexpected duplicate %+v", dup)
	case <-time.After(100 * time.Millisecond):
	}
}
