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


package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a shared filter remembers a key. Slack gives up
	// retrying well within an hour.
	DefaultTTL = time.Hour

	// keyPrefix namespaces relay event keys in Redis.
	keyPrefix = "onboarding:event:"
)

// RedisFilter is an Admitter shared between relay replicas through Redis.
// It is opt-in; the in-memory Cache is the default.
//
// The stored value names the replica that claimed the event and when, so
// "GET onboarding:event:<key>" answers which instance sent an email.
type RedisFilter struct {
	rdb     redis.Cmdable
	ttl     time.Duration
	replica string
	now     func() time.Time
}

// NewRedisFilter creates a shared filter. A non-positive ttl means DefaultTTL.
func NewRedisFilter(rdb redis.Cmdable, ttl time.Duration) *RedisFilter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisFilter{
		rdb:     rdb,
		ttl:     ttl,
		replica: replicaName(),
		now:     time.Now,
	}
}

// Admit claims key for this replica. It returns false when another delivery
// of the same event (here or on another replica) claimed it first.
func (f *RedisFilter) Admit(ctx context.Context, key string) (bool, error) {
	claim := f.replica + "@" + strconv.FormatInt(f.now().Unix(), 10)

	claimed, err := f.rdb.SetNX(ctx, keyPrefix+key, claim, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", key, err)
	}
	if !claimed {
		slog.Debug("event already claimed", "key", key)
	}
	return claimed, nil
}

// replicaName identifies this process as host:pid.
func replicaName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
