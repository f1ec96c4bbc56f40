// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup suppresses redelivered Slack events. Slack retries event
// delivery when it does not see a fast 2xx, so the same mention can arrive
// more than once; each event is reduced to an idempotency key and admitted
// at most once.
//
// The default Cache is memory-resident and bounded: once it holds more than
// its ceiling it forgets everything and starts over. Redeliveries after a
// restart, or after a reset, are processed again.
package dedup

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultCeiling is the number of keys the cache holds before it is cleared.
const DefaultCeiling = 100

// Admitter decides whether an event key is seen for the first time.
type Admitter interface {
	Admit(ctx context.Context, key string) (bool, error)
}

// Key derives the idempotency key for an event. The text digest is xxhash64,
// which is seedless and stable across processes.
func Key(channel, user, ts, text string) string {
	var b strings.Builder
	b.Grow(len(channel) + len(user) + len(ts) + 19)
	b.WriteString(channel)
	b.WriteByte('|')
	b.WriteString(user)
	b.WriteByte('|')
	b.WriteString(ts)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(xxhash.Sum64String(text), 16))
	return b.String()
}

// Cache is a bounded in-memory set of admitted keys.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	ceiling int
}

// NewCache creates an empty cache that clears itself when it grows past
// ceiling entries. A non-positive ceiling selects DefaultCeiling.
func NewCache(ceiling int) *Cache {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Cache{
		seen:    make(map[string]struct{}),
		ceiling: ceiling,
	}
}

// Admit returns true and records key if it has not been admitted before.
// The check, the insert and the overflow reset happen under one lock.
func (c *Cache) Admit(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return false
	}

	c.seen[key] = struct{}{}
	if len(c.seen) > c.ceiling {
		c.seen = make(map[string]struct{})
	}
	return true
}

// Len returns the number of keys currently remembered.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Local adapts a Cache to the Admitter interface.
func Local(c *Cache) Admitter {
	return localAdmitter{c}
}

type localAdmitter struct{ c *Cache }

func (l localAdmitter) Admit(_ context.Context, key string) (bool, error) {
	return l.c.Admit(key), nil
}
