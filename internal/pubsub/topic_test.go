package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicDeliversInRegistrationOrder(t *testing.T) {
	var topic Topic[int]
	var got []string

	topic.Subscribe(func(v int) { got = append(got, "first") })
	topic.Subscribe(func(v int) { got = append(got, "second") })
	topic.Subscribe(func(v int) { got = append(got, "third") })

	n := topic.Publish(7)
	require.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestTopicCancelRemovesOnlyThatSubscriber(t *testing.T) {
	var topic Topic[string]
	var a, b int

	cancelA := topic.Subscribe(func(string) { a++ })
	topic.Subscribe(func(string) { b++ })

	topic.Publish("x")
	cancelA()
	cancelA()
	topic.Publish("y")

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, topic.Len())
}

func TestTopicSubscriberMayCancelItselfDuringPublish(t *testing.T) {
	var topic Topic[int]
	calls := 0
	var cancel Cancel
	cancel = topic.Subscribe(func(int) {
		calls++
		cancel()
	})

	topic.Publish(1)
	topic.Publish(2)
	assert.Equal(t, 1, calls)
}

func TestTopicClose(t *testing.T) {
	var topic Topic[int]
	calls := 0
	topic.Subscribe(func(int) { calls++ })

	topic.Close()
	cancel := topic.Subscribe(func(int) { calls++ })
	cancel()

	assert.Equal(t, 0, topic.Publish(1))
	assert.Equal(t, 0, calls)
}
