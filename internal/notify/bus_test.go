package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFiltersByCollection(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe(4, nil)
	defer all.Close()
	one := bus.Subscribe(4, ForCollection("c1"))
	defer one.Close()

	bus.Publish(Notification{Type: TypeActivity, CollectionID: "c1"})
	bus.Publish(Notification{Type: TypeActivity, CollectionID: "c2"})

	require.Len(t, all.C, 2)
	require.Len(t, one.C, 1)
	n := <-one.C
	assert.Equal(t, "c1", n.CollectionID)
	assert.False(t, n.At.IsZero())
}

func TestBus_SlowSubscriberNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1, nil)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Notification{Type: TypeHealth})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(9), bus.Dropped())
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1, nil)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	bus.Publish(Notification{Type: TypeHealth})
}
