package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// LocalLocks implements domain.LockManager inside one process. It has the
// same TTL and token semantics as the Redis lock manager.
type LocalLocks struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocks creates an empty in-process lock table.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]localEntry), clock: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (l *LocalLocks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.held[key]; ok && e.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LocalLocks)(nil)
