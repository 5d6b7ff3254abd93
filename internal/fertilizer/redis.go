package fertilizer

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the set shared by every process feeding the corpus.
const DefaultRedisKey = "fertilizer:seen"

// RedisSeenSet keeps the shared seen-set in a Redis set so that several
// processes appending to their own files never record the same seed twice.
type RedisSeenSet struct {
	client *redis.Client
	key    string
}

// NewRedisSeenSet wraps client. An empty key uses DefaultRedisKey.
func NewRedisSeenSet(client *redis.Client, key string) *RedisSeenSet {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSeenSet{client: client, key: key}
}

// AddNew adds seeds to the set atomically and returns the ones that were not
// members yet, in input order.
func (r *RedisSeenSet) AddNew(ctx context.Context, seeds []string) ([]string, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(seeds))
	for i, s := range seeds {
		args[i] = s
	}
	res, err := addNewScript.Run(ctx, r.client, []string{r.key}, args...).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from seen-set script: %T", res)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type from seen-set script: %T", v)
		}
		out = append(out, s)
	}
	return out, nil
}

// Forget removes seeds from the set.
func (r *RedisSeenSet) Forget(ctx context.Context, seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	members := make([]interface{}, len(seeds))
	for i, s := range seeds {
		members[i] = s
	}
	return r.client.SRem(ctx, r.key, members...).Err()
}

// Len returns the number of seeds recorded in the shared set.
func (r *RedisSeenSet) Len(ctx context.Context) (int64, error) {
	return r.client.SCard(ctx, r.key).Result()
}

var addNewScript = redis.NewScript(`
local fresh = {}
for i=1,#ARGV do
  if redis.call('SADD', KEYS[1], ARGV[i]) == 1 then
    fresh[#fresh+1] = ARGV[i]
  end
end
return fresh
`)
