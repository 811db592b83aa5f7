// Package lock provides the per-plan idempotency lock (§5): a distributed
// mutual-exclusion primitive keyed by "plan:{idempotency_key}" so duplicate
// trade_plan deliveries across consumer instances are serialized.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when the lock is already held by another
// caller; the receiver should treat this as a silent duplicate (ack, no-op).
var ErrHeld = errors.New("lock: already held")

type Locker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

// Lease represents an acquired lock; call Release to free it early.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire attempts SET key token NX PX ttl. Returns ErrHeld if another
// caller holds it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// PlanKey builds the canonical lock key for a trade-plan idempotency key.
func PlanKey(idempotencyKey string) string {
	return "plan:" + idempotencyKey
}

// PositionKey builds the canonical lock key for a position id, used when
// promoting the in-process advisory lock to a distributed one.
func PositionKey(positionID string) string {
	return "position:" + positionID
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Release deletes the lock only if the token still matches (compare-and-delete),
// so a lease that outlived its TTL and was re-acquired by someone else is not
// stolen back.
func (lease *Lease) Release(ctx context.Context) error {
	return lease.locker.rdb.Eval(ctx, releaseScript, []string{lease.key}, lease.token).Err()
}

// Extend refreshes the TTL if this lease still holds the key.
func (lease *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	ok, err := lease.locker.rdb.Eval(ctx, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`, []string{lease.key}, lease.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, _ := ok.(int64); n == 0 {
		return errors.New("lock: lease lost before extend")
	}
	return nil
}
