package util

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var ErrStreamTimeout = errors.New("timeout")
var ErrStreamEnd = errors.New("end")

// a source retains a bounded buffer of recent items so that consumers
// attaching after production starts do not lose them
type AsyncStreamSource[T any] interface {
	Current() []T
	Ended() bool
	SubscribeNewItem(callback func(T)) int
	UnsubscribeNewItem(callbackId int)
	SubscribeEnd(callback func()) int
	UnsubscribeEnd(callbackId int)
}

type BufferingAsyncStreamSource[T any] struct {
	stateLock     sync.Mutex
	maxBufferSize int
	buffer        []T
	ended         bool

	newItemCallbacks *CallbackList[func(T)]
	endCallbacks     *CallbackList[func()]
}

func NewBufferingAsyncStreamSource[T any](maxBufferSize int) *BufferingAsyncStreamSource[T] {
	return &BufferingAsyncStreamSource[T]{
		maxBufferSize:    maxBufferSize,
		buffer:           []T{},
		newItemCallbacks: NewCallbackList[func(T)](),
		endCallbacks:     NewCallbackList[func()](),
	}
}

func (self *BufferingAsyncStreamSource[T]) Ingest(item T) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.buffer = append(self.buffer, item)
		// fifo, drop oldest
		if self.maxBufferSize < len(self.buffer) {
			self.buffer = self.buffer[len(self.buffer)-self.maxBufferSize:]
		}
	}()
	for _, callback := range self.newItemCallbacks.Get() {
		HandleError(func() {
			callback(item)
		})
	}
}

func (self *BufferingAsyncStreamSource[T]) End() {
	alreadyEnded := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ended := self.ended
		self.ended = true
		return ended
	}()
	if alreadyEnded {
		return
	}
	for _, callback := range self.endCallbacks.Get() {
		HandleError(callback)
	}
}

func (self *BufferingAsyncStreamSource[T]) Current() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.buffer)
}

func (self *BufferingAsyncStreamSource[T]) Ended() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.ended
}

func (self *BufferingAsyncStreamSource[T]) SubscribeNewItem(callback func(T)) int {
	return self.newItemCallbacks.Add(callback)
}

func (self *BufferingAsyncStreamSource[T]) UnsubscribeNewItem(callbackId int) {
	self.newItemCallbacks.Remove(callbackId)
}

func (self *BufferingAsyncStreamSource[T]) SubscribeEnd(callback func()) int {
	return self.endCallbacks.Add(callback)
}

func (self *BufferingAsyncStreamSource[T]) UnsubscribeEnd(callbackId int) {
	self.endCallbacks.Remove(callbackId)
}

// forwards only items matching a predicate. The upstream subscription is held
// only while there is at least one downstream subscriber.
type FilteredAsyncStreamSource[T any] struct {
	stateLock sync.Mutex
	upstream  AsyncStreamSource[T]
	predicate func(T) bool

	upstreamNewItemId int
	upstreamEndId     int
	subscribed        bool

	newItemCallbacks *CallbackList[func(T)]
	endCallbacks     *CallbackList[func()]
}

func NewFilteredAsyncStreamSource[T any](upstream AsyncStreamSource[T], predicate func(T) bool) *FilteredAsyncStreamSource[T] {
	return &FilteredAsyncStreamSource[T]{
		upstream:         upstream,
		predicate:        predicate,
		newItemCallbacks: NewCallbackList[func(T)](),
		endCallbacks:     NewCallbackList[func()](),
	}
}

func (self *FilteredAsyncStreamSource[T]) Current() []T {
	items := []T{}
	for _, item := range self.upstream.Current() {
		if self.predicate(item) {
			items = append(items, item)
		}
	}
	return items
}

func (self *FilteredAsyncStreamSource[T]) Ended() bool {
	return self.upstream.Ended()
}

func (self *FilteredAsyncStreamSource[T]) SubscribeNewItem(callback func(T)) int {
	callbackId := self.newItemCallbacks.Add(callback)
	self.updateUpstreamSubscription()
	return callbackId
}

func (self *FilteredAsyncStreamSource[T]) UnsubscribeNewItem(callbackId int) {
	self.newItemCallbacks.Remove(callbackId)
	self.updateUpstreamSubscription()
}

func (self *FilteredAsyncStreamSource[T]) SubscribeEnd(callback func()) int {
	callbackId := self.endCallbacks.Add(callback)
	self.updateUpstreamSubscription()
	return callbackId
}

func (self *FilteredAsyncStreamSource[T]) UnsubscribeEnd(callbackId int) {
	self.endCallbacks.Remove(callbackId)
	self.updateUpstreamSubscription()
}

func (self *FilteredAsyncStreamSource[T]) updateUpstreamSubscription() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	active := 0 < self.newItemCallbacks.Count()+self.endCallbacks.Count()
	if active && !self.subscribed {
		self.upstreamNewItemId = self.upstream.SubscribeNewItem(func(item T) {
			if self.predicate(item) {
				for _, callback := range self.newItemCallbacks.Get() {
					HandleError(func() {
						callback(item)
					})
				}
			}
		})
		self.upstreamEndId = self.upstream.SubscribeEnd(func() {
			for _, callback := range self.endCallbacks.Get() {
				HandleError(callback)
			}
		})
		self.subscribed = true
	} else if !active && self.subscribed {
		self.upstream.UnsubscribeNewItem(self.upstreamNewItemId)
		self.upstream.UnsubscribeEnd(self.upstreamEndId)
		self.subscribed = false
	}
}

// consumer with late-joining semantics: the source's current buffer is
// snapshotted on construction, then new items are appended as they arrive
type BufferedAsyncStream[T any] struct {
	stateLock sync.Mutex
	source    AsyncStreamSource[T]
	items     []T
	ended     bool
	closed    bool
	update    chan struct{}

	newItemId int
	endId     int
}

func NewBufferedAsyncStream[T any](source AsyncStreamSource[T]) *BufferedAsyncStream[T] {
	stream := &BufferedAsyncStream[T]{
		source: source,
		items:  slices.Clone(source.Current()),
		ended:  source.Ended(),
		update: make(chan struct{}),
	}
	stream.newItemId = source.SubscribeNewItem(func(item T) {
		stream.stateLock.Lock()
		defer stream.stateLock.Unlock()

		if stream.closed {
			return
		}
		stream.items = append(stream.items, item)
		stream.notify()
	})
	stream.endId = source.SubscribeEnd(func() {
		stream.stateLock.Lock()
		defer stream.stateLock.Unlock()

		stream.ended = true
		stream.notify()
	})
	return stream
}

// must be called with `stateLock`
func (self *BufferedAsyncStream[T]) notify() {
	close(self.update)
	self.update = make(chan struct{})
}

// Next removes and returns the next item. A negative timeout blocks until an
// item arrives or the stream ends.
func (self *BufferedAsyncStream[T]) Next(timeout time.Duration) (T, error) {
	var deadline <-chan time.Time
	if 0 <= timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		var update chan struct{}
		item, err, ok := func() (T, error, bool) {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			var empty T
			if 0 < len(self.items) {
				item := self.items[0]
				self.items = self.items[1:]
				return item, nil, true
			}
			if self.ended || self.closed {
				return empty, ErrStreamEnd, true
			}
			update = self.update
			return empty, nil, false
		}()
		if ok {
			return item, err
		}
		select {
		case <-update:
		case <-deadline:
			var empty T
			return empty, ErrStreamTimeout
		}
	}
}

// NextIfAvailable is a synchronous non-blocking take.
func (self *BufferedAsyncStream[T]) NextIfAvailable() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.items) == 0 {
		var empty T
		return empty, false
	}
	item := self.items[0]
	self.items = self.items[1:]
	return item, true
}

func (self *BufferedAsyncStream[T]) CountAvailableItems() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.items)
}

func (self *BufferedAsyncStream[T]) AtEnd() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return (self.ended || self.closed) && len(self.items) == 0
}

func (self *BufferedAsyncStream[T]) Close() {
	self.source.UnsubscribeNewItem(self.newItemId)
	self.source.UnsubscribeEnd(self.endId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	self.notify()
}
