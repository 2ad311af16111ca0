// Package lock guards webhook deliveries with a short-lived Redis key so a
// concurrent redelivery of the same event is turned away while the first is
// still running.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyEventInFlight = "inspectbill:event:inflight:%s:%s"
	defaultTTL       = 2 * time.Minute
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker is safe to use as a nil pointer: every acquire succeeds and
// release is a no-op, leaving the database transaction as the only guard.
type Locker struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    ttl,
	}
}

func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.locker == nil || l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	return l.locker.script.Run(ctx, l.locker.client, []string{l.key}, token).Err()
}

// AcquireEvent takes the in-flight lock for one provider event. It reports
// false when another delivery holds it.
func (l *Locker) AcquireEvent(ctx context.Context, provider, eventID string) (*Lease, bool, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return nil, false, errors.New("lock key is empty")
	}
	if !l.Enabled() {
		return &Lease{}, true, nil
	}

	key := fmt.Sprintf(keyEventInFlight, provider, eventID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{locker: l, key: key, token: token}, true, nil
}
