package util

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBufferedStreamLateJoin(t *testing.T) {
	source := NewBufferingAsyncStreamSource[string](2)
	source.Ingest("a")
	source.Ingest("b")
	source.Ingest("c")

	// the buffer retains the last two items only
	stream := NewBufferedAsyncStream[string](source)
	assert.Equal(t, stream.CountAvailableItems(), 2)

	item, err := stream.Next(-1)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, "b")

	item, err = stream.Next(-1)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, "c")

	_, err = stream.Next(50 * time.Millisecond)
	assert.Equal(t, err, ErrStreamTimeout)

	// items ingested after construction arrive with no loss
	go func() {
		time.Sleep(10 * time.Millisecond)
		source.Ingest("d")
		source.Ingest("e")
	}()
	item, err = stream.Next(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, "d")
	item, err = stream.Next(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, "e")

	source.End()
	_, err = stream.Next(time.Second)
	assert.Equal(t, err, ErrStreamEnd)
	assert.Equal(t, stream.AtEnd(), true)
}

func TestBufferedStreamNextIfAvailable(t *testing.T) {
	source := NewBufferingAsyncStreamSource[int](8)
	stream := NewBufferedAsyncStream[int](source)

	_, ok := stream.NextIfAvailable()
	assert.Equal(t, ok, false)

	source.Ingest(1)
	item, ok := stream.NextIfAvailable()
	assert.Equal(t, ok, true)
	assert.Equal(t, item, 1)
}

func TestBufferedStreamClose(t *testing.T) {
	source := NewBufferingAsyncStreamSource[int](8)
	stream := NewBufferedAsyncStream[int](source)

	done := make(chan error)
	go func() {
		_, err := stream.Next(-1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	stream.Close()
	assert.Equal(t, <-done, ErrStreamEnd)

	// a closed stream no longer accumulates
	source.Ingest(1)
	assert.Equal(t, stream.CountAvailableItems(), 0)
}

func TestFilteredStreamSource(t *testing.T) {
	source := NewBufferingAsyncStreamSource[int](8)
	even := NewFilteredAsyncStreamSource[int](source, func(item int) bool {
		return item%2 == 0
	})

	source.Ingest(1)
	source.Ingest(2)
	source.Ingest(3)
	source.Ingest(4)

	stream := NewBufferedAsyncStream[int](even)
	assert.Equal(t, stream.CountAvailableItems(), 2)

	item, err := stream.Next(-1)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, 2)

	source.Ingest(5)
	source.Ingest(6)
	item, err = stream.Next(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, 4)
	item, err = stream.Next(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, item, 6)

	// dropping the last subscriber releases the upstream subscription
	stream.Close()
	assert.Equal(t, even.subscribed, false)
}

func TestCallbackListOrder(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	order := []int{}
	callbacks.Add(func() { order = append(order, 1) })
	id2 := callbacks.Add(func() { order = append(order, 2) })
	callbacks.Add(func() { order = append(order, 3) })

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, order, []int{1, 2, 3})

	callbacks.Remove(id2)
	order = []int{}
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, order, []int{1, 3})
}

func TestLru(t *testing.T) {
	lru := NewLru[string, int64](2)
	lru.Put("a", 1)
	lru.Put("b", 2)
	lru.Put("c", 3)
	assert.Equal(t, lru.Len(), 2)

	_, ok := lru.Get("a")
	assert.Equal(t, ok, false)

	value, ok := lru.Get("b")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, int64(2))

	// b is now most recent, so d evicts c
	lru.Put("d", 4)
	_, ok = lru.Get("c")
	assert.Equal(t, ok, false)
	_, ok = lru.Get("b")
	assert.Equal(t, ok, true)
}
