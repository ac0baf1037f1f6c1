package session

import (
	"context"
	"errors"
	"sync"

	"github.com/tcflow/tcflow/internal/callgate"
)

var (
	_ Finder  = (*MemoryFinder)(nil)
	_ Factory = (*MemoryFactory)(nil)

	errNoQueuedInstance = errors.New("no host instance queued")
)

// MemoryFinder is an in-memory instance list. It backs tests and embedders
// that manage host connections themselves.
type MemoryFinder struct {
	mu        sync.Mutex
	instances []Instance
}

// Add registers an instance as a reuse candidate.
func (m *MemoryFinder) Add(inst Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = append(m.instances, inst)
}

// Instances returns the registered candidates.
func (m *MemoryFinder) Instances() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Instance(nil), m.instances...)
}

// FindReusable returns the first headless candidate with projectPath open.
func (m *MemoryFinder) FindReusable(ctx context.Context, gate *callgate.Gate, projectPath string) (Instance, bool) {
	for _, inst := range m.Instances() {
		if Matches(ctx, gate, inst, projectPath) {
			return inst, true
		}
	}
	return Instance{}, false
}

// MemoryFactory hands out prepared instances and records them in a finder
// so later acquisitions can reuse them.
type MemoryFactory struct {
	mu     sync.Mutex
	next   []Instance
	Finder *MemoryFinder
	Err    error
}

// Queue prepares an instance for the next Launch.
func (f *MemoryFactory) Queue(inst Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, inst)
}

// Launch returns the next queued instance.
func (f *MemoryFactory) Launch(context.Context) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return Instance{}, f.Err
	}
	if len(f.next) == 0 {
		return Instance{}, errNoQueuedInstance
	}
	inst := f.next[0]
	f.next = f.next[1:]
	if f.Finder != nil {
		f.Finder.Add(inst)
	}
	return inst, nil
}
