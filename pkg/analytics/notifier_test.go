package analytics

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierPublishToSubscribers(t *testing.T) {
	n := NewNotifier(4, newTestLogger(), nil)

	sub1 := n.Subscribe("u1")
	sub2 := n.Subscribe("u1")
	other := n.Subscribe("u2")
	defer n.Unsubscribe(sub1)
	defer n.Unsubscribe(sub2)
	defer n.Unsubscribe(other)

	n.Publish("u1", UpdateNewEvent, map[string]string{"k": "v"})

	for _, sub := range []*Subscription{sub1, sub2} {
		update := <-sub.C
		assert.Equal(t, UpdateNewEvent, update.Type)
		assert.NotZero(t, update.Timestamp)
	}

	select {
	case update := <-other.C:
		t.Fatalf("unexpected update for other user: %+v", update)
	default:
	}
}

func TestNotifierPublishWithoutSubscribersIsNoop(t *testing.T) {
	n := NewNotifier(4, newTestLogger(), nil)
	n.Publish("nobody", UpdateNewEvent, nil)
}

func TestNotifierDropsWhenBufferFull(t *testing.T) {
	n := NewNotifier(2, newTestLogger(), nil)

	sub := n.Subscribe("u1")
	defer n.Unsubscribe(sub)

	// Publish never blocks, even past the buffer.
	for i := 0; i < 5; i++ {
		n.Publish("u1", UpdateNewEvent, i)
	}

	received := 0
	for {
		select {
		case <-sub.C:
			received++
		default:
			assert.Equal(t, 2, received)
			return
		}
	}
}

func TestNotifierUnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(4, newTestLogger(), nil)

	sub := n.Subscribe("u1")
	require.Equal(t, 1, n.SubscriberCount("u1"))

	n.Unsubscribe(sub)
	assert.Equal(t, 0, n.SubscriberCount("u1"))

	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe is safe.
	n.Unsubscribe(sub)
}

func TestNotifierPublishDuringUnsubscribe(t *testing.T) {
	n := NewNotifier(1, newTestLogger(), nil)

	// A publish racing a disconnect must never send on the closed
	// channel. Keep one goroutine publishing while subscribers come and
	// go; a losing interleaving panics the publisher.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				n.Publish("u1", UpdateNewEvent, nil)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		sub := n.Subscribe("u1")
		n.Unsubscribe(sub)
	}
	close(done)
	wg.Wait()

	assert.Equal(t, 0, n.SubscriberCount("u1"))
}

func TestNotifierConcurrentPublishAndSubscribe(t *testing.T) {
	n := NewNotifier(64, newTestLogger(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := n.Subscribe(fmt.Sprintf("u%d", i%3))
			n.Publish(sub.UserID, UpdateNewEvent, i)
			<-sub.C
			n.Unsubscribe(sub)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, n.SubscriberCount(fmt.Sprintf("u%d", i)))
	}
}
