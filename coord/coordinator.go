// Copyright © 2024 Dubplane <dev@dubplane.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package coord wraps the external keyed store the queue relies on for
// coordination. The contract is deliberately narrow: atomic set-if-absent
// with TTL, compare-and-delete / compare-and-expire, sorted sets, sets,
// hashes, lists, and two scripted multi-step transactions (claim-and-lock,
// counter-with-limit). Everything here may fail transiently; callers treat
// any error as "unhealthy".
package coord

import (
	"time"
)

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// Coordinator is the keyed-store contract shared by the redis and
// in-memory implementations.
type Coordinator interface {
	Ping() error

	// Strings / locks.
	SetNX(key, value string, ttl time.Duration) (bool, error)
	Set(key, value string, ttl time.Duration) error
	Get(key string) (string, bool, error)
	Exists(key string) (bool, error)
	Del(keys ...string) error
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(key, value string) (bool, error)
	// CompareAndExpire refreshes key's TTL only while it still holds value.
	CompareAndExpire(key, value string, ttl time.Duration) (bool, error)

	// Sorted sets.
	ZAdd(key string, score float64, member string) error
	ZRem(key, member string) error
	ZScore(key, member string) (float64, bool, error)
	ZCard(key string) (int64, error)
	// ZTop returns up to n members by descending score.
	ZTop(key string, n int64) ([]ScoredMember, error)
	// ZDue returns up to n members with score <= max, ascending.
	ZDue(key string, max float64, n int64) ([]ScoredMember, error)

	// Sets.
	SAdd(key, member string) error
	SRem(key, member string) error
	SCard(key string) (int64, error)
	SMembers(key string) ([]string, error)

	// Hashes.
	HSet(key string, fields map[string]string) error
	HGetAll(key string) (map[string]string, error)
	ExpireKey(key string, ttl time.Duration) error

	// Lists (dead-letter queue).
	LPush(key, value string) error
	LRange(key string, start, stop int64) ([]string, error)

	// ClaimTop atomically takes the highest-priority member of the
	// pending sorted set: SET NX PX the member's lock key with token,
	// then ZREM it. Returns ok=false when the set is empty or the top
	// member's lock is already held (the member stays pending).
	ClaimTop(pendingKey, lockKeyPrefix, lockKeySuffix, token string, ttl time.Duration) (member string, ok bool, err error)

	// IncrWithLimit atomically increments key by n only if the result
	// stays within limit, stamping ttl on first write. Returns the
	// counter value either way.
	IncrWithLimit(key string, n, limit int64, ttl time.Duration) (ok bool, current int64, err error)
	// DecrBy releases previously reserved counter units.
	DecrBy(key string, n int64) error
}
