package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sync-service/internal/domain"
)

// Keys:
//
//	lock:<entity>        hash with the live lock, PX = ttl
//	lockid:<id>          entity id, outlives the lock by graveyard
//	lockcoll:<coll>      set of entity ids that may hold a lock
func entityKey(entityID string) string   { return "lock:" + entityID }
func idKey(lockID string) string         { return "lockid:" + lockID }
func collectionKey(collID string) string { return "lockcoll:" + collID }

var acquireScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if holder and holder ~= ARGV[2] then
	return {0, redis.call('HGETALL', KEYS[1])}
end
if holder then
	redis.call('HSET', KEYS[1], 'expires', ARGV[7])
	redis.call('PEXPIRE', KEYS[1], ARGV[8])
	redis.call('PEXPIRE', 'lockid:' .. redis.call('HGET', KEYS[1], 'id'), ARGV[9])
	return {1, redis.call('HGETALL', KEYS[1])}
end
redis.call('HMSET', KEYS[1], 'id', ARGV[1], 'holder', ARGV[2], 'name', ARGV[3],
	'collection', ARGV[4], 'entity', ARGV[5], 'acquired', ARGV[6], 'expires', ARGV[7])
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('SET', KEYS[2], ARGV[5], 'PX', ARGV[9])
redis.call('SADD', KEYS[3], ARGV[5])
return {1, redis.call('HGETALL', KEYS[1])}
`)

var renewScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], 'id')
if not id or id ~= ARGV[1] then
	return {-1}
end
if redis.call('HGET', KEYS[1], 'holder') ~= ARGV[2] then
	return {-2}
end
redis.call('HSET', KEYS[1], 'expires', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
return {1, redis.call('HGETALL', KEYS[1])}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps locks in Redis so every process sharing the instance
// sees the same claims. Expiry is Redis key expiry.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Acquire(ctx context.Context, want Lock, ttl time.Duration) (Lock, bool, error) {
	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{entityKey(want.EntityID), idKey(want.ID), collectionKey(want.CollectionID)},
		want.ID, want.HolderID, want.HolderName, want.CollectionID, want.EntityID,
		want.AcquiredAt.UnixMilli(), want.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(), (ttl + graveyard).Milliseconds(),
	).Slice()
	if err != nil {
		return Lock{}, false, fmt.Errorf("lock acquire: %w", err)
	}
	code, l, err := decodeReply(res)
	if err != nil {
		return Lock{}, false, err
	}
	return l, code == 1, nil
}

func (s *RedisStore) Renew(ctx context.Context, lockID, holderID string, expiresAt time.Time, ttl time.Duration) (Lock, error) {
	entityID, err := s.rdb.Get(ctx, idKey(lockID)).Result()
	if errors.Is(err, redis.Nil) {
		return Lock{}, domain.ErrLockNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("lock renew: %w", err)
	}

	res, err := renewScript.Run(ctx, s.rdb,
		[]string{entityKey(entityID), idKey(lockID)},
		lockID, holderID, expiresAt.UnixMilli(), ttl.Milliseconds(), (ttl + graveyard).Milliseconds(),
	).Slice()
	if err != nil {
		return Lock{}, fmt.Errorf("lock renew: %w", err)
	}
	code, l, err := decodeReply(res)
	if err != nil {
		return Lock{}, err
	}
	switch code {
	case -1:
		return Lock{}, domain.ErrLockExpired
	case -2:
		return Lock{}, domain.ErrNotAuthorized
	}
	return l, nil
}

// Release drops the lock if it is still live. Unknown ids are a no-op.
func (s *RedisStore) Release(ctx context.Context, lockID string) error {
	entityID, err := s.rdb.Get(ctx, idKey(lockID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	if err := releaseScript.Run(ctx, s.rdb, []string{entityKey(entityID)}, lockID).Err(); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

func (s *RedisStore) ByID(ctx context.Context, lockID string) (Lock, error) {
	entityID, err := s.rdb.Get(ctx, idKey(lockID)).Result()
	if errors.Is(err, redis.Nil) {
		return Lock{}, domain.ErrLockNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("lock lookup: %w", err)
	}
	l, ok, err := s.ForEntity(ctx, entityID)
	if err != nil {
		return Lock{}, err
	}
	if !ok || l.ID != lockID {
		return Lock{}, domain.ErrLockExpired
	}
	return l, nil
}

func (s *RedisStore) ForEntity(ctx context.Context, entityID string) (Lock, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, entityKey(entityID)).Result()
	if err != nil {
		return Lock{}, false, fmt.Errorf("lock lookup: %w", err)
	}
	if len(fields) == 0 {
		return Lock{}, false, nil
	}
	l, err := fromHash(fields)
	if err != nil {
		return Lock{}, false, err
	}
	return l, true, nil
}

// List returns the live locks of a collection and prunes stale index entries.
func (s *RedisStore) List(ctx context.Context, collectionID string) ([]Lock, error) {
	entities, err := s.rdb.SMembers(ctx, collectionKey(collectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("lock list: %w", err)
	}
	var out []Lock
	for _, id := range entities {
		l, ok, err := s.ForEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.rdb.SRem(ctx, collectionKey(collectionID), id)
			continue
		}
		if l.CollectionID == collectionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func decodeReply(res []interface{}) (int64, Lock, error) {
	if len(res) == 0 {
		return 0, Lock{}, errors.New("lock: empty script reply")
	}
	code, ok := res[0].(int64)
	if !ok {
		return 0, Lock{}, fmt.Errorf("lock: unexpected script reply %T", res[0])
	}
	if len(res) < 2 {
		return code, Lock{}, nil
	}
	flat, ok := res[1].([]interface{})
	if !ok {
		return 0, Lock{}, fmt.Errorf("lock: unexpected script reply %T", res[1])
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	l, err := fromHash(fields)
	return code, l, err
}

func fromHash(f map[string]string) (Lock, error) {
	acquired, err := strconv.ParseInt(f["acquired"], 10, 64)
	if err != nil {
		return Lock{}, fmt.Errorf("lock: bad acquired time: %w", err)
	}
	expires, err := strconv.ParseInt(f["expires"], 10, 64)
	if err != nil {
		return Lock{}, fmt.Errorf("lock: bad expiry time: %w", err)
	}
	return Lock{
		ID:           f["id"],
		CollectionID: f["collection"],
		EntityID:     f["entity"],
		HolderID:     f["holder"],
		HolderName:   f["name"],
		AcquiredAt:   time.UnixMilli(acquired).UTC(),
		ExpiresAt:    time.UnixMilli(expires).UTC(),
	}, nil
}
