package thread

import (
	"fmt"
	"sync"

	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
)

// Registry is the process-wide thread table: an arena of slots indexed by id
// with a free list for reuse.
type Registry struct {
	mu    sync.Mutex
	slots []*Thread
	free  []ID
	gen   uint64
	count int
}

// NewRegistry returns a registry holding at most max threads.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = 1
	}
	r := &Registry{
		slots: make([]*Thread, max+1),
		free:  make([]ID, 0, max),
	}
	for id := 1; id <= max; id++ {
		r.free = append(r.free, ID(id))
	}
	return r
}

// Alloc creates a thread control block and registers it.
func (r *Registry) Alloc(attr Attr) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return nil, fmt.Errorf("thread: table full (%d threads): %w", r.count, kerr.ErrOutOfResources)
	}
	id := r.free[0]
	r.free = r.free[1:]
	if r.slots[id] != nil {
		kerr.Fatal("free slot is occupied", "thread", int(id))
	}
	r.gen++
	t := newThread(id, r.gen, attr)
	r.slots[id] = t
	r.count++
	return t, nil
}

// Free releases the slot of id. Freeing an empty slot is fatal.
func (r *Registry) Free(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id <= InvalidID || int(id) >= len(r.slots) || r.slots[id] == nil {
		kerr.Fatal("thread slot freed twice", "thread", int(id))
	}
	r.slots[id] = nil
	r.free = append(r.free, id)
	r.count--
}

// Lookup returns the live thread with the given id.
func (r *Registry) Lookup(id ID) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id ID) (*Thread, error) {
	if id <= InvalidID || int(id) >= len(r.slots) {
		return nil, fmt.Errorf("thread: id %d: %w", id, kerr.ErrInvalidArgument)
	}
	t := r.slots[id]
	if t == nil {
		return nil, fmt.Errorf("thread: id %d: %w", id, kerr.ErrNotFound)
	}
	return t, nil
}

// Resolve follows a scheduler handle. It returns nil if the scheduler thread
// has gone, even if its id was since reused.
func (r *Registry) Resolve(h SchedulerHandle) *Thread {
	if !h.Valid() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookupLocked(h.id)
	if err != nil || t.gen != h.gen {
		return nil
	}
	return t
}

// Each calls fn for every registered thread in id order until fn returns false.
func (r *Registry) Each(fn func(*Thread) bool) {
	r.mu.Lock()
	live := make([]*Thread, 0, r.count)
	for _, t := range r.slots {
		if t != nil {
			live = append(live, t)
		}
	}
	r.mu.Unlock()

	for _, t := range live {
		if !fn(t) {
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Registry) Cap() int { return len(r.slots) - 1 }
