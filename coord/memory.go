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

package coord

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// memCoordinator is a single-process Coordinator holding everything under
// one mutex, which makes each method as atomic as the redis scripts it
// mirrors. Tests use it exclusively; single-node deployments may too.
type memCoordinator struct {
	mu      sync.Mutex
	strings map[string]string
	expiry  map[string]time.Time
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	lists   map[string][]string
}

// NewMemory returns an in-process Coordinator.
func NewMemory() Coordinator {
	return &memCoordinator{
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
	}
}

func (m *memCoordinator) Ping() error { return nil }

// expire lazily removes any value whose TTL has passed. Callers hold mu.
func (m *memCoordinator) expire(key string) {
	if deadline, ok := m.expiry[key]; ok && time.Now().After(deadline) {
		delete(m.strings, key)
		delete(m.zsets, key)
		delete(m.sets, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
}

func (m *memCoordinator) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *memCoordinator) SetNX(key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	if _, held := m.strings[key]; held {
		return false, nil
	}
	m.strings[key] = value
	m.setTTL(key, ttl)
	return true, nil
}

func (m *memCoordinator) Set(key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	m.setTTL(key, ttl)
	return nil
}

func (m *memCoordinator) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *memCoordinator) Exists(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *memCoordinator) Del(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.zsets, key)
		delete(m.sets, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
	return nil
}

func (m *memCoordinator) CompareAndDelete(key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	if m.strings[key] != value {
		return false, nil
	}
	delete(m.strings, key)
	delete(m.expiry, key)
	return true, nil
}

func (m *memCoordinator) CompareAndExpire(key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	if m.strings[key] != value {
		return false, nil
	}
	m.setTTL(key, ttl)
	return true, nil
}

func (m *memCoordinator) ZAdd(key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	z := m.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *memCoordinator) ZRem(key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.zsets[key], member)
	return nil
}

func (m *memCoordinator) ZScore(key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	score, ok := m.zsets[key][member]
	return score, ok, nil
}

func (m *memCoordinator) ZCard(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	return int64(len(m.zsets[key])), nil
}

// sortedMembers returns the zset ordered by score then member, matching
// the coordinator's deterministic tie-break.
func sortedMembers(z map[string]float64, descending bool) []ScoredMember {
	out := make([]ScoredMember, 0, len(z))
	for member, score := range z {
		out = append(out, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			if descending {
				return out[i].Score > out[j].Score
			}
			return out[i].Score < out[j].Score
		}
		if descending {
			return out[i].Member > out[j].Member
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *memCoordinator) ZTop(key string, n int64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	all := sortedMembers(m.zsets[key], true)
	if int64(len(all)) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *memCoordinator) ZDue(key string, max float64, n int64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	var due []ScoredMember
	for _, sm := range sortedMembers(m.zsets[key], false) {
		if sm.Score > max {
			break
		}
		due = append(due, sm)
		if int64(len(due)) == n {
			break
		}
	}
	return due, nil
}

func (m *memCoordinator) SAdd(key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *memCoordinator) SRem(key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

func (m *memCoordinator) SCard(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *memCoordinator) SMembers(key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memCoordinator) HSet(key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *memCoordinator) HGetAll(key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *memCoordinator) ExpireKey(key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTTL(key, ttl)
	return nil
}

func (m *memCoordinator) LPush(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *memCoordinator) LRange(key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *memCoordinator) ClaimTop(pendingKey, lockKeyPrefix, lockKeySuffix, token string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(pendingKey)
	top := sortedMembers(m.zsets[pendingKey], true)
	if len(top) == 0 {
		return "", false, nil
	}
	member := top[0].Member
	lockKey := lockKeyPrefix + member + lockKeySuffix
	m.expire(lockKey)
	if _, held := m.strings[lockKey]; held {
		return "", false, nil // leave it pending; another worker owns it
	}
	m.strings[lockKey] = token
	m.setTTL(lockKey, ttl)
	delete(m.zsets[pendingKey], member)
	return member, true, nil
}

func (m *memCoordinator) IncrWithLimit(key string, n, limit int64, ttl time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	current, _ := strconv.ParseInt(m.strings[key], 10, 64)
	if current+n > limit {
		return false, current, nil
	}
	fresh := m.strings[key] == ""
	current += n
	m.strings[key] = strconv.FormatInt(current, 10)
	if fresh {
		m.setTTL(key, ttl)
	}
	return true, current, nil
}

func (m *memCoordinator) DecrBy(key string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	current, _ := strconv.ParseInt(m.strings[key], 10, 64)
	current -= n
	m.strings[key] = strconv.FormatInt(current, 10)
	return nil
}
