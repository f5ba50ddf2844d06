package tokens

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "adminease:tokens:"

// RedisStore keeps each record in a hash plus two sets:
//
//	<prefix>rec:<id>       hash: subject, token, revoked, expired, created_at, updated_at
//	<prefix>sub:<subject>  set of token ids ever saved for the subject
//	<prefix>dead           set of token ids with both flags set
//
// Scripts touch keys derived from ARGV, so this layout requires a single-node
// (non-cluster) Redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	clock  func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, clock: time.Now}
}

const saveRecordLua = `
-- KEYS[1] = record hash
-- KEYS[2] = subject set
-- KEYS[3] = dead set
-- ARGV[1] = subject set prefix
-- ARGV[2] = token id
-- ARGV[3] = subject
-- ARGV[4] = signed token
-- ARGV[5] = revoked ("0"/"1")
-- ARGV[6] = expired ("0"/"1")
-- ARGV[7] = created_at (unix ns)
-- ARGV[8] = updated_at (unix ns)
local old = redis.call('HGET', KEYS[1], 'subject')
if old and old ~= ARGV[3] then
  redis.call('SREM', ARGV[1] .. old, ARGV[2])
end
redis.call('HSET', KEYS[1],
  'subject', ARGV[3],
  'token', ARGV[4],
  'revoked', ARGV[5],
  'expired', ARGV[6],
  'created_at', ARGV[7],
  'updated_at', ARGV[8])
redis.call('SADD', KEYS[2], ARGV[2])
if ARGV[5] == '1' and ARGV[6] == '1' then
  redis.call('SADD', KEYS[3], ARGV[2])
else
  redis.call('SREM', KEYS[3], ARGV[2])
end
return 1
`

var saveRecordScript = redis.NewScript(saveRecordLua)

// Same keys and args as the save script, plus:
// ARGV[9]  = record hash prefix
// ARGV[10] = now (unix ns)
// ARGV[11] = "1" to require that ARGV[2] is the subject's latest record
//
// Returns 0 when that requirement fails, 1 otherwise. Timestamps are compared
// as decimal strings; Lua numbers cannot hold nanoseconds exactly.
var rotateRecordScript = redis.NewScript(`
local function newer(a, b)
  if #a ~= #b then return #a > #b end
  return a > b
end
local function plus_micro(s)
  local sec = tonumber(string.sub(s, 1, -10))
  local ns = tonumber(string.sub(s, -9)) + 1000
  if ns >= 1000000000 then
    sec = sec + 1
    ns = ns - 1000000000
  end
  return string.format('%d%09d', sec, ns)
end

local ids = redis.call('SMEMBERS', KEYS[2])
local latest_id, latest_at, newest = nil, nil, nil
for _, id in ipairs(ids) do
  local rec = redis.call('HMGET', ARGV[9] .. id, 'subject', 'created_at')
  local at = rec[2]
  if rec[1] == ARGV[3] and at then
    if latest_at == nil or newer(at, latest_at) then
      latest_id, latest_at = id, at
    end
    if id ~= ARGV[2] and (newest == nil or newer(at, newest)) then
      newest = at
    end
  end
end
if ARGV[11] == '1' and latest_id ~= ARGV[2] then
  return 0
end
if newest and not newer(ARGV[7], newest) then
  ARGV[7] = plus_micro(newest)
  if newer(ARGV[7], ARGV[8]) then
    ARGV[8] = ARGV[7]
  end
end

for _, id in ipairs(ids) do
  local k = ARGV[9] .. id
  local flags = redis.call('HMGET', k, 'revoked', 'expired')
  if id ~= ARGV[2] and flags[1] == '0' and flags[2] == '0' then
    redis.call('HSET', k, 'revoked', '1', 'expired', '1', 'updated_at', ARGV[10])
    redis.call('SADD', KEYS[3], id)
  end
end
` + saveRecordLua)

var markRevokedScript = redis.NewScript(`
-- KEYS[1] = dead set
-- ARGV[1] = record hash prefix
-- ARGV[2] = now (unix ns)
-- ARGV[3..] = token ids
--
-- Returns the number of records that changed state.
local changed = 0
for i = 3, #ARGV do
  local id = ARGV[i]
  local k = ARGV[1] .. id
  if redis.call('EXISTS', k) == 1 then
    local flags = redis.call('HMGET', k, 'revoked', 'expired')
    if flags[1] ~= '1' or flags[2] ~= '1' then
      redis.call('HSET', k, 'revoked', '1', 'expired', '1', 'updated_at', ARGV[2])
      changed = changed + 1
    end
    redis.call('SADD', KEYS[1], id)
  end
end
return changed
`)

var reapScript = redis.NewScript(`
-- KEYS[1] = dead set
-- ARGV[1] = record hash prefix
-- ARGV[2] = subject set prefix
--
-- Returns the number of deleted records.
local deleted = 0
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  local k = ARGV[1] .. id
  local rec = redis.call('HMGET', k, 'subject', 'revoked', 'expired')
  if rec[2] == '1' and rec[3] == '1' then
    redis.call('DEL', k)
    if rec[1] then
      redis.call('SREM', ARGV[2] .. rec[1], id)
    end
    deleted = deleted + 1
  end
  redis.call('SREM', KEYS[1], id)
end
return deleted
`)

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec = s.stamp(rec)
	keys, args := s.saveArgs(rec)
	if err := saveRecordScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("save token %s: %w", rec.TokenID, err)
	}
	return nil
}

func (s *RedisStore) Rotate(ctx context.Context, rec Record) error {
	return s.rotate(ctx, rec, false)
}

func (s *RedisStore) RotateIfLatest(ctx context.Context, rec Record) error {
	return s.rotate(ctx, rec, true)
}

func (s *RedisStore) rotate(ctx context.Context, rec Record, ifLatest bool) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec = s.stamp(rec)
	keys, args := s.saveArgs(rec)
	args = append(args, s.prefix+"rec:", nanos(s.clock()), flag(ifLatest))
	ok, err := rotateRecordScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("rotate tokens for %s: %w", rec.Subject, err)
	}
	if ok == 0 {
		return ErrSuperseded
	}
	return nil
}

func (s *RedisStore) FindValidBySubject(ctx context.Context, subject string) ([]Record, error) {
	all, err := s.loadSubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("find valid tokens: %w", err)
	}
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Usable() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) FindLatestBySubject(ctx context.Context, subject string) (Record, error) {
	all, err := s.loadSubject(ctx, subject)
	if err != nil {
		return Record{}, fmt.Errorf("find latest token of %s: %w", subject, err)
	}
	if len(all) == 0 {
		return Record{}, ErrNotFound
	}
	latest := all[0]
	for _, r := range all[1:] {
		if r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest, nil
}

// loadSubject reads every record indexed under subject in one pipeline.
func (s *RedisStore) loadSubject(ctx context.Context, subject string) ([]Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.subjectKey(subject)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		r, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		if r.Subject == subject {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisStore) FindByTokenID(ctx context.Context, tokenID string) (Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recordKey(tokenID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("find token %s: %w", tokenID, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeRecord(tokenID, fields)
}

func (s *RedisStore) MarkRevoked(ctx context.Context, tokenID string) error {
	return s.MarkRevokedBatch(ctx, []string{tokenID})
}

func (s *RedisStore) MarkRevokedBatch(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(tokenIDs)+2)
	args = append(args, s.prefix+"rec:", nanos(s.clock()))
	for _, id := range tokenIDs {
		args = append(args, id)
	}
	if err := markRevokedScript.Run(ctx, s.rdb, []string{s.deadKey()}, args...).Err(); err != nil {
		return fmt.Errorf("revoke %d tokens: %w", len(tokenIDs), err)
	}
	return nil
}

func (s *RedisStore) DeleteFullyExpiredRevoked(ctx context.Context) (int64, error) {
	n, err := reapScript.Run(ctx, s.rdb, []string{s.deadKey()}, s.prefix+"rec:", s.prefix+"sub:").Int64()
	if err != nil {
		return 0, fmt.Errorf("delete dead tokens: %w", err)
	}
	return n, nil
}

func (s *RedisStore) recordKey(id string) string       { return s.prefix + "rec:" + id }
func (s *RedisStore) subjectKey(subject string) string { return s.prefix + "sub:" + subject }
func (s *RedisStore) deadKey() string                  { return s.prefix + "dead" }

func (s *RedisStore) stamp(rec Record) Record {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec
}

func (s *RedisStore) saveArgs(rec Record) ([]string, []interface{}) {
	keys := []string{s.recordKey(rec.TokenID), s.subjectKey(rec.Subject), s.deadKey()}
	args := []interface{}{
		s.prefix + "sub:",
		rec.TokenID,
		rec.Subject,
		rec.SignedValue,
		flag(rec.Revoked),
		flag(rec.Expired),
		nanos(rec.CreatedAt),
		nanos(rec.UpdatedAt),
	}
	return keys, args
}

func decodeRecord(id string, fields map[string]string) (Record, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode token %s: created_at: %w", id, err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode token %s: updated_at: %w", id, err)
	}
	subject := fields["subject"]
	if subject == "" {
		return Record{}, fmt.Errorf("decode token %s: %w", id, errors.New("missing subject"))
	}
	return Record{
		TokenID:     id,
		Subject:     subject,
		SignedValue: fields["token"],
		Revoked:     fields["revoked"] == "1",
		Expired:     fields["expired"] == "1",
		CreatedAt:   time.Unix(0, created).UTC(),
		UpdatedAt:   time.Unix(0, updated).UTC(),
	}, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
