package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	eventBus := NewEventBus()

	first := make(chan Event, 1)
	second := make(chan Event, 1)
	eventBus.Subscribe("test", first)
	eventBus.Subscribe("test", second)

	eventBus.Publish(Event{Type: "test", Timestamp: time.Now(), Data: "payload"})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "payload", (<-first).Data)
	assert.Equal(t, "payload", (<-second).Data)
}

func TestPublishSkipsOtherEventTypes(t *testing.T) {
	eventBus := NewEventBus()

	subscriber := make(chan Event, 1)
	eventBus.Subscribe("test", subscriber)

	eventBus.Publish(Event{Type: "other", Timestamp: time.Now()})

	assert.Empty(t, subscriber)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eventBus := NewEventBus()

	removed := make(chan Event, 1)
	kept := make(chan Event, 1)
	eventBus.Subscribe("test", removed)
	eventBus.Subscribe("test", kept)

	eventBus.Unsubscribe("test", removed)
	eventBus.Publish(Event{Type: "test", Timestamp: time.Now()})

	assert.Empty(t, removed)
	require.Len(t, kept, 1)
}
