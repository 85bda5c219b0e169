package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	failures, unsubFail := b.Subscribe(4, TypeDeliveryFailed, TypeScanFailed)
	defer unsubFail()

	b.Publish(Event{Type: TypeDeliverySent})
	b.Publish(Event{Type: TypeScanFailed, Data: "boom"})

	require.Len(t, all, 2)
	require.Len(t, failures, 1)
	got := <-failures
	assert.Equal(t, TypeScanFailed, got.Type)
	assert.False(t, got.Time.IsZero())
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}
