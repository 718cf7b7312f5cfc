package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imgconvert/internal/period"
)

// reserveScript adds ARGV[1] to KEYS[1] unless that would pass the limit
// in ARGV[2] (negative means unbounded). The key expires at ARGV[3].
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and used + amount > limit then
	return {0, used}
end
used = redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIREAT', KEYS[1], ARGV[3])
return {1, used}
`)

// RedisLedger keeps one counter key per (identity, window, kind). Keys
// expire once the window is over plus the retention, so anonymous usage
// needs no purge job.
type RedisLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: "quota", retention: retention}
}

func (l *RedisLedger) key(id Identity, w period.Period, kind Kind) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", l.prefix, id.Kind, id.Key, w.Key(), kind)
}

func (l *RedisLedger) expireAt(w period.Period) int64 {
	return w.End.Add(l.retention).Unix()
}

func (l *RedisLedger) Reserve(ctx context.Context, id Identity, w period.Period, kind Kind, amount, limit int) (int, bool, error) {
	const op = "quota.RedisLedger.Reserve"

	res, err := reserveScript.Run(ctx, l.client, []string{l.key(id, w, kind)}, amount, limit, l.expireAt(w)).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%s: unexpected script reply %v", op, res)
	}
	return int(res[1]), res[0] == 1, nil
}

func (l *RedisLedger) Increment(ctx context.Context, id Identity, w period.Period, kind Kind, amount int) (int, error) {
	const op = "quota.RedisLedger.Increment"

	used, _, err := l.Reserve(ctx, id, w, kind, amount, -1)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return used, nil
}

func (l *RedisLedger) Used(ctx context.Context, id Identity, w period.Period, kind Kind) (int, error) {
	const op = "quota.RedisLedger.Used"

	used, err := l.client.Get(ctx, l.key(id, w, kind)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return used, nil
}

// PurgeBefore is a no-op: every key carries its own expiry.
func (l *RedisLedger) PurgeBefore(context.Context, IdentityKind, time.Time) (int64, error) {
	return 0, nil
}
