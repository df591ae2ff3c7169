// Package lock provides a Redis lease so scheduled jobs run on exactly
// one service instance. The lease is a SET NX with TTL; release checks
// the holder token in a Lua script so a slow instance can never free a
// lease someone else re-acquired after its TTL expired.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock: lease held by another instance")
	ErrNotHeld     = errors.New("lock: lease not held")
)

// Compare the holder token before deleting; an expired lease may have
// been re-acquired by another instance.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Manager acquires leases on a shared Redis.
type Manager struct {
	client redis.UniversalClient
	prefix string
}

func NewManager(client redis.UniversalClient, prefix string) *Manager {
	if client == nil {
		panic("lock: redis client is required")
	}
	if prefix == "" {
		prefix = "lock"
	}
	return &Manager{client: client, prefix: prefix}
}

// Lease is a held lock. Release it when the guarded work finishes; if the
// process dies the TTL frees it.
type Lease struct {
	manager *Manager
	key     string
	token   string
}

// Acquire takes the named lease for ttl. Returns ErrNotAcquired when
// another instance holds it.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := m.prefix + ":" + name
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{manager: m, key: key, token: token}, nil
}

// Release frees the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
