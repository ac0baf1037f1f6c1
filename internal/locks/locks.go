package locks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrConflict indicates the key is already held by another caller.
	ErrConflict = errors.New("project lock conflict")
)

// Lock describes one held key.
type Lock struct {
	Key        string    `json:"key"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

type entry struct {
	lock     Lock
	released chan struct{}
}

// Keyed serializes work per key. Project paths are the usual key: two
// sessions must never bind the same project at the same time.
type Keyed struct {
	mu   sync.Mutex
	held map[string]*entry
	now  func() time.Time
}

// NewKeyed constructs an empty keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{
		held: make(map[string]*entry),
		now:  time.Now,
	}
}

// Acquire blocks until key is free or ctx is done. The returned release
// function is idempotent.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	if k == nil {
		return nil, errors.New("keyed lock is nil")
	}
	key = NormalizeKey(key)
	if key == "" {
		return nil, errors.New("lock key must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		release, wait := k.tryAcquire(key)
		if release != nil {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-wait:
		}
	}
}

// TryAcquire takes key without waiting, or returns ErrConflict.
func (k *Keyed) TryAcquire(key string) (func(), error) {
	if k == nil {
		return nil, errors.New("keyed lock is nil")
	}
	key = NormalizeKey(key)
	if key == "" {
		return nil, errors.New("lock key must not be empty")
	}
	release, _ := k.tryAcquire(key)
	if release == nil {
		return nil, fmt.Errorf("%w: key=%s", ErrConflict, key)
	}
	return release, nil
}

// Held returns the currently held locks ordered by key.
func (k *Keyed) Held() []Lock {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]Lock, 0, len(k.held))
	for _, e := range k.held {
		out = append(out, e.lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (k *Keyed) tryAcquire(key string) (func(), <-chan struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.held[key]; ok {
		return nil, existing.released
	}
	e := &entry{
		lock:     Lock{Key: key, AcquiredAt: k.now().UTC()},
		released: make(chan struct{}),
	}
	k.held[key] = e

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			if k.held[key] == e {
				delete(k.held, key)
			}
			k.mu.Unlock()
			close(e.released)
		})
	}, nil
}

// NormalizeKey cleans a project path so spelling variants map to one key.
// Comparison is case-insensitive because automation hosts run on Windows.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return strings.ToLower(filepath.ToSlash(filepath.Clean(key)))
}
