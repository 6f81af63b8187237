package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

// Redis keys:
//
//	<prefix>:<dir>:<name>  hash holding one context
//	<prefix>:<dir>:index   set of names under dir
//
// Every write is a Lua script so the version check and the write are atomic.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	log    logx.Logger
}

// Script results: 1 applied, 0 rejected, -1 no node.
var (
	createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'ls', ARGV[1], 'la', ARGV[2], 'lc', ARGV[3], 'period', ARGV[4],
  'bean', ARGV[5], 'arg', ARGV[6], 'cancelled', ARGV[7], 'version', 1)
redis.call('SADD', KEYS[2], ARGV[8])
return 1`)

	casScript = goredis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then return -1 end
if v ~= ARGV[8] then return 0 end
redis.call('HSET', KEYS[1], 'ls', ARGV[1], 'la', ARGV[2], 'lc', ARGV[3], 'period', ARGV[4],
  'bean', ARGV[5], 'arg', ARGV[6], 'cancelled', ARGV[7])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1`)

	// Timestamps are unix nanos, beyond the exact range of Lua numbers, so
	// they are compared as decimal strings.
	completionScript = goredis.NewScript(`
local function later(a, b)
  local na, nb = a:sub(1, 1) == '-', b:sub(1, 1) == '-'
  if na ~= nb then return nb end
  if na then a, b = b:sub(2), a:sub(2) end
  if #a ~= #b then return #a > #b end
  return a > b
end
local lc = redis.call('HGET', KEYS[1], 'lc')
if not lc then return -1 end
if not later(ARGV[1], lc) then return 0 end
redis.call('HSET', KEYS[1], 'lc', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1`)
)

// NewRedis wraps an existing client.
func NewRedis(client goredis.UniversalClient, prefix string, log logx.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, log: log}
}

func openRedis(cfg Config, log logx.Logger) (trigger.Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("store.redis.addr is required for redis driver")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, cfg.prefix(), log), nil
}

func (s *Redis) nodeKey(dir, name string) string { return s.prefix + ":" + dir + ":" + name }
func (s *Redis) indexKey(dir string) string      { return s.prefix + ":" + dir + ":index" }

func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) Read(ctx context.Context, dir, name string) (*trigger.Context, error) {
	vals, err := s.client.HGetAll(ctx, s.nodeKey(dir, name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read: %w", err)
	}
	if len(vals) == 0 {
		return nil, trigger.ErrNoNode
	}
	tc, err := mapToContext(vals)
	if err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", name, err)
	}
	tc.Name = name
	return tc, nil
}

func (s *Redis) Create(ctx context.Context, dir, name string, tc *trigger.Context) error {
	keys := []string{s.nodeKey(dir, name), s.indexKey(dir)}
	args := append(contextArgs(tc), name)
	n, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis create: %w", err)
	}
	if n == 0 {
		return trigger.ErrNodeExists
	}
	tc.Version = 1
	return nil
}

func (s *Redis) CompareAndSwap(ctx context.Context, dir, name string, tc *trigger.Context) error {
	args := append(contextArgs(tc), strconv.FormatInt(tc.Version, 10))
	n, err := casScript.Run(ctx, s.client, []string{s.nodeKey(dir, name)}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis cas: %w", err)
	}
	switch n {
	case 1:
		tc.Version++
		return nil
	case -1:
		return trigger.ErrNoNode
	default:
		return trigger.ErrVersionConflict
	}
}

func (s *Redis) SetCompletionIfLater(ctx context.Context, dir, name string, t time.Time) (bool, error) {
	n, err := completionScript.Run(ctx, s.client, []string{s.nodeKey(dir, name)}, toNanos(t)).Int()
	if err != nil {
		return false, fmt.Errorf("redis complete: %w", err)
	}
	if n == -1 {
		return false, trigger.ErrNoNode
	}
	return n == 1, nil
}

func (s *Redis) List(ctx context.Context, dir string) ([]string, error) {
	key := s.indexKey(dir)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if exists == 0 {
		return nil, trigger.ErrNoNode
	}
	names, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func contextArgs(tc *trigger.Context) []any {
	cancelled := "0"
	if tc.Cancelled {
		cancelled = "1"
	}
	return []any{
		toNanos(tc.LastScheduled),
		toNanos(tc.LastActual),
		toNanos(tc.LastCompletion),
		int64(tc.Period),
		tc.Bean,
		string(tc.Arg),
		cancelled,
	}
}

func mapToContext(vals map[string]string) (*trigger.Context, error) {
	num := func(k string) (int64, error) {
		v := vals[k]
		if v == "" {
			return 0, nil
		}
		return strconv.ParseInt(v, 10, 64)
	}
	tc := &trigger.Context{Bean: vals["bean"], Cancelled: vals["cancelled"] == "1"}
	if a := vals["arg"]; a != "" {
		tc.Arg = []byte(a)
	}
	var err error
	var n int64
	if n, err = num("ls"); err != nil {
		return nil, err
	}
	tc.LastScheduled = fromNanos(n)
	if n, err = num("la"); err != nil {
		return nil, err
	}
	tc.LastActual = fromNanos(n)
	if n, err = num("lc"); err != nil {
		return nil, err
	}
	tc.LastCompletion = fromNanos(n)
	if n, err = num("period"); err != nil {
		return nil, err
	}
	tc.Period = time.Duration(n)
	if tc.Version, err = num("version"); err != nil {
		return nil, err
	}
	return tc, nil
}
