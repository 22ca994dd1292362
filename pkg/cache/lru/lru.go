// Copyright 2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lru

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

type LRU[K comparable, V any] struct {
	hits, misses, evictions prometheus.Counter

	maxEntries int
	items      map[K]*list.Element
	evictList  *list.List

	closer func() error
}

func New[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRU[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	c := &LRU[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,

		maxEntries: maxEntries,
		evictList:  list.New(),
		items:      map[K]*list.Element{},
		closer: func() error {
			// Makes sure the metrics are unregistered when the cache is
			// closed, so a new cache under the same name can be created.
			var err error
			if ok := reg.Unregister(requests); !ok {
				err = errors.Join(err, errors.New("unregistering requests counter"))
			}
			if ok := reg.Unregister(evictions); !ok {
				err = errors.Join(err, errors.New("unregistering eviction counter"))
			}
			if err != nil {
				return fmt.Errorf("cleaning cache stats counter: %w", err)
			}
			return nil
		},
	}
	return c
}

// Add adds a value to the cache.
func (c *LRU[K, V]) Add(key K, value V) {
	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		el.Value.(*entry[K, V]).value = value
		return
	}

	el := c.evictList.PushFront(&entry[K, V]{key: key, value: value})
	c.items[key] = el

	if c.evictList.Len() > c.maxEntries {
		c.removeOldest()
		c.evictions.Inc()
	}
}

// Remove removes a key from the cache.
func (c *LRU[K, V]) Remove(key K) {
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Get retrieves an item from the cache.
// Return (value, true) if the item is found, and false otherwise.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) { //nolint:nonamedreturns
	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		c.hits.Inc()
		return el.Value.(*entry[K, V]).value, true
	}
	c.misses.Inc()
	return
}

// Peek returns the value associated with the key without updating the LRU order.
// Returns (value, true) if the item is found, and false otherwise.
func (c *LRU[K, V]) Peek(key K) (value V, ok bool) { //nolint:nonamedreturns
	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	return
}

// Purge is used to completely clear the cache.
func (c *LRU[K, V]) Purge() {
	for k := range c.items {
		delete(c.items, k)
	}
	c.evictList.Init()
}

// Close is used when the cache is not needed anymore.
func (c *LRU[K, V]) Close() error {
	c.Purge()
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// removeOldest removes the oldest item from the cache.
func (c *LRU[K, V]) removeOldest() {
	if el := c.evictList.Back(); el != nil {
		c.removeElement(el)
	}
}

// removeElement is used to remove a given list element from the cache.
func (c *LRU[K, V]) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
