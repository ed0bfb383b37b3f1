// Package idempotency caches trigger responses keyed by the caller-supplied
// X-Idempotency-Key header, so retried webhook deliveries do not start a
// second execution.
package idempotency

import (
	"sync"
	"time"
)

// Response is the cached HTTP reply for a replayed trigger.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// TTL is how long a cached response stays replayable.
const TTL = 1 * time.Hour

type Store struct {
	cache sync.Map
}

type entry struct {
	resp      Response
	timestamp time.Time
}

func NewStore() *Store {
	return &Store{}
}

// Get returns the cached response for the key, expiring stale entries lazily.
func (s *Store) Get(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > TTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

// Set records the response delivered for the key.
func (s *Store) Set(key string, resp Response) {
	s.cache.Store(key, entry{
		resp:      resp,
		timestamp: time.Now(),
	})
}
