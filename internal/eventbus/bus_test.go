package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeScheduleFired, Data: "x"})

	ea := <-a
	ec := <-c
	require.Equal(t, "x", ea.Data)
	require.Equal(t, "x", ec.Data)
	require.False(t, ea.Time.IsZero())
}

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TypeTemplateChanged)
	defer unsub()

	b.Publish(Event{Type: TypeScheduleFired})
	b.Publish(Event{Type: TypeTemplateChanged, Data: 1})

	require.Len(t, ch, 1)
	require.Equal(t, TypeTemplateChanged, (<-ch).Type)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Len(t, ch, 1)
	require.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
}
