package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

// Locker is an in-process persistence.Locker. Each key maps to a one-slot channel.
type Locker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[string]chan struct{})}
}

func (l *Locker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire ignores ttl: an in-process holder cannot outlive its process.
func (l *Locker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", domain.ErrBusy, key)
	}
}
