// Package usershard implements per-user journal sharding (spec.md
// §4.6): when split_mode is "uid" or "login", each distinct uid (or
// login uid) gets its own live journal file instead of sharing the
// system file. The shard set is bounded so a host with many transient
// users cannot hold an unbounded number of open file descriptors.
package usershard

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sysdlog/journald-core/internal/journal"
	"github.com/sysdlog/journald-core/internal/logging"
)

var log = logging.For("usershard")

// maxShards caps the number of simultaneously open per-user files
// (spec.md §4.6 "bounded... the set is not expected to include every
// uid that has ever logged in"). systemd-journald uses no fixed
// figure; 1024 is generous for a single host's concurrently logged-in
// population while keeping fd usage predictable.
const maxShards = 1024

// Opener mints a fresh per-user journal.File for uid, rooted under the
// shard set's owning directory. Kept as a function value, not a
// concrete type, so tests can substitute an in-memory stand-in.
type Opener func(uid uint32) (*journal.File, error)

// Set is a bounded uid -> journal.File map. Eviction closes the
// handle; callers must not retain a *journal.File across a later Get
// for the same uid without re-fetching, since eviction can have
// swapped it out in between.
type Set struct {
	mu    sync.Mutex
	open  Opener
	cache *lru.Cache[uint32, *journal.File]
}

// New builds a shard set that calls open to materialize a file the
// first time a uid is seen.
func New(open Opener) (*Set, error) {
	s := &Set{open: open}
	cache, err := lru.NewWithEvict[uint32, *journal.File](maxShards, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("usershard: new cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

func (s *Set) onEvict(uid uint32, f *journal.File) {
	if err := f.Close(); err != nil {
		log.WithError(err).WithField("uid", uid).Warn("failed to close evicted per-user journal")
	}
}

// Get returns the live file for uid, opening one via Opener on first
// use. The returned handle is valid until the next Get/Evict/Close
// call that might trigger an eviction; callers append immediately
// rather than caching the pointer themselves.
func (s *Set) Get(uid uint32) (*journal.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.cache.Get(uid); ok {
		return f, nil
	}
	f, err := s.open(uid)
	if err != nil {
		return nil, fmt.Errorf("usershard: open uid %d: %w", uid, err)
	}
	s.cache.Add(uid, f)
	return f, nil
}

// Replace swaps the handle for uid, used after a Rotate. Removing the
// old entry runs the eviction callback, which calls Close on the old
// handle; after a Rotate that handle is already closed, and Close on a
// closed File returns nil without doing anything.
func (s *Set) Replace(uid uint32, f *journal.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(uid)
	s.cache.Add(uid, f)
}

// Len reports the number of currently open shards.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Range calls fn for every open shard. s.mu is not held while fn runs,
// so fn may call back into the Set (the dispatcher calls Replace from
// fn after rotating a shard).
func (s *Set) Range(fn func(uid uint32, f *journal.File)) {
	s.mu.Lock()
	keys := s.cache.Keys()
	s.mu.Unlock()
	for _, uid := range keys {
		s.mu.Lock()
		f, ok := s.cache.Peek(uid)
		s.mu.Unlock()
		if ok {
			fn(uid, f)
		}
	}
}

// Close closes every open shard and drains the cache. Eviction
// callbacks fire as part of Purge, so files are closed exactly once.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	return nil
}
