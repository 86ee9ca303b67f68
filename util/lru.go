package util

import (
	"container/list"
	"sync"
)

// bounded map with least-recently-used eviction
type Lru[K comparable, V any] struct {
	mutex   sync.Mutex
	maxSize int
	order   *list.List
	entries map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

func NewLru[K comparable, V any](maxSize int) *Lru[K, V] {
	return &Lru[K, V]{
		maxSize: maxSize,
		order:   list.New(),
		entries: map[K]*list.Element{},
	}
}

func (self *Lru[K, V]) Get(key K) (V, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	element, ok := self.entries[key]
	if !ok {
		var empty V
		return empty, false
	}
	self.order.MoveToFront(element)
	return element.Value.(*lruEntry[K, V]).value, true
}

func (self *Lru[K, V]) Put(key K, value V) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if element, ok := self.entries[key]; ok {
		element.Value.(*lruEntry[K, V]).value = value
		self.order.MoveToFront(element)
		return
	}
	self.entries[key] = self.order.PushFront(&lruEntry[K, V]{
		key:   key,
		value: value,
	})
	for self.maxSize < self.order.Len() {
		oldest := self.order.Back()
		self.order.Remove(oldest)
		delete(self.entries, oldest.Value.(*lruEntry[K, V]).key)
	}
}

func (self *Lru[K, V]) Remove(key K) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if element, ok := self.entries[key]; ok {
		self.order.Remove(element)
		delete(self.entries, key)
	}
}

func (self *Lru[K, V]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.order.Len()
}
