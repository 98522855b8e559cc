package sharedcache

import (
	"sort"
	"sync"
)

// Cache is the key/value store every script of the server shares. Entries are never
// evicted; Flush is the only way to drop them all. Single operations are atomic, anything
// spanning several keys is up to the scripts.
type Cache struct {
	m sync.Map
}

func New() *Cache {
	return &Cache{}
}

func (c *Cache) Get(key string) (any, bool) {
	return c.m.Load(key)
}

func (c *Cache) Put(key string, value any) {
	c.m.Store(key, value)
}

func (c *Cache) Delete(key string) {
	c.m.Delete(key)
}

// Keys returns the current keys in lexical order.
func (c *Cache) Keys() []string {
	var keys []string

	c.m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string)) //nolint:forcetypeassert // only strings are stored as keys
		return true
	})

	sort.Strings(keys)

	return keys
}

func (c *Cache) Len() int {
	n := 0

	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}

// Flush drops every entry and reports how many were removed.
func (c *Cache) Flush() int {
	n := 0

	c.m.Range(func(k, _ any) bool {
		c.m.Delete(k)
		n++

		return true
	})

	return n
}
