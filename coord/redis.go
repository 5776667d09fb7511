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
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// The scripted transactions. Key construction inside claimScript assumes a
// non-clustered coordinator (all queue keys share one node), which is the
// deployment this service targets.
const (
	claimScript = `
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0)
if #top == 0 then return false end
local job = top[1]
local lockKey = ARGV[1] .. job .. ARGV[2]
local ok = redis.call('SET', lockKey, ARGV[3], 'NX', 'PX', ARGV[4])
if not ok then return false end
redis.call('ZREM', KEYS[1], job)
return job
`

	compareAndDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

	compareAndExpireScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

	incrWithLimitScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + n > limit then return {0, current} end
current = redis.call('INCRBY', KEYS[1], n)
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, current}
`
)

type redisCoordinator struct {
	client *redis.Client
}

// NewRedis dials the coordinator at url (redis://...). The connection is
// verified lazily; the auto queue's health loop owns liveness.
func NewRedis(url string) (Coordinator, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator url")
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return &redisCoordinator{client: redis.NewClient(opts)}, nil
}

func (r *redisCoordinator) Ping() error {
	return r.client.Ping().Err()
}

func (r *redisCoordinator) SetNX(key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(key, value, ttl).Result()
}

func (r *redisCoordinator) Set(key, value string, ttl time.Duration) error {
	return r.client.Set(key, value, ttl).Err()
}

func (r *redisCoordinator) Get(key string) (string, bool, error) {
	v, err := r.client.Get(key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisCoordinator) Exists(key string) (bool, error) {
	n, err := r.client.Exists(key).Result()
	return n > 0, err
}

func (r *redisCoordinator) Del(keys ...string) error {
	return r.client.Del(keys...).Err()
}

func (r *redisCoordinator) CompareAndDelete(key, value string) (bool, error) {
	n, err := r.client.Eval(compareAndDeleteScript, []string{key}, value).Int64()
	return n > 0, err
}

func (r *redisCoordinator) CompareAndExpire(key, value string, ttl time.Duration) (bool, error) {
	n, err := r.client.Eval(compareAndExpireScript, []string{key},
		value, strconv.FormatInt(ttl.Milliseconds(), 10)).Int64()
	return n > 0, err
}

func (r *redisCoordinator) ZAdd(key string, score float64, member string) error {
	return r.client.ZAdd(key, redis.Z{Score: score, Member: member}).Err()
}

func (r *redisCoordinator) ZRem(key, member string) error {
	return r.client.ZRem(key, member).Err()
}

func (r *redisCoordinator) ZScore(key, member string) (float64, bool, error) {
	score, err := r.client.ZScore(key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r *redisCoordinator) ZCard(key string) (int64, error) {
	return r.client.ZCard(key).Result()
}

func (r *redisCoordinator) ZTop(key string, n int64) ([]ScoredMember, error) {
	zs, err := r.client.ZRevRangeWithScores(key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	return fromRedisZs(zs), nil
}

func (r *redisCoordinator) ZDue(key string, max float64, n int64) ([]ScoredMember, error) {
	zs, err := r.client.ZRangeByScoreWithScores(key, redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: n,
	}).Result()
	if err != nil {
		return nil, err
	}
	return fromRedisZs(zs), nil
}

func (r *redisCoordinator) SAdd(key, member string) error {
	return r.client.SAdd(key, member).Err()
}

func (r *redisCoordinator) SRem(key, member string) error {
	return r.client.SRem(key, member).Err()
}

func (r *redisCoordinator) SCard(key string) (int64, error) {
	return r.client.SCard(key).Result()
}

func (r *redisCoordinator) SMembers(key string) ([]string, error) {
	return r.client.SMembers(key).Result()
}

func (r *redisCoordinator) HSet(key string, fields map[string]string) error {
	m := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return r.client.HMSet(key, m).Err()
}

func (r *redisCoordinator) HGetAll(key string) (map[string]string, error) {
	return r.client.HGetAll(key).Result()
}

func (r *redisCoordinator) ExpireKey(key string, ttl time.Duration) error {
	return r.client.Expire(key, ttl).Err()
}

func (r *redisCoordinator) LPush(key, value string) error {
	return r.client.LPush(key, value).Err()
}

func (r *redisCoordinator) LRange(key string, start, stop int64) ([]string, error) {
	return r.client.LRange(key, start, stop).Result()
}

func (r *redisCoordinator) ClaimTop(pendingKey, lockKeyPrefix, lockKeySuffix, token string, ttl time.Duration) (string, bool, error) {
	res, err := r.client.Eval(claimScript, []string{pendingKey},
		lockKeyPrefix, lockKeySuffix, token, strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	member, ok := res.(string)
	if !ok {
		return "", false, nil // script returned false: empty set or lock held
	}
	return member, true, nil
}

func (r *redisCoordinator) IncrWithLimit(key string, n, limit int64, ttl time.Duration) (bool, int64, error) {
	res, err := r.client.Eval(incrWithLimitScript, []string{key},
		strconv.FormatInt(n, 10),
		strconv.FormatInt(limit, 10),
		strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, errors.Errorf("coordinator: unexpected counter reply %v", res)
	}
	okFlag, _ := arr[0].(int64)
	current, _ := arr[1].(int64)
	return okFlag == 1, current, nil
}

func (r *redisCoordinator) DecrBy(key string, n int64) error {
	return r.client.DecrBy(key, n).Err()
}

func fromRedisZs(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}
