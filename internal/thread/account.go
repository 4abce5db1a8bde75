package thread

import "github.com/OSPreservProject/oskit-sub005/internal/kerr"

// Charge accounts one tick to t and one child tick to every scheduler
// ancestor of t. The walk stops at a scheduler that has exited.
func (r *Registry) Charge(t *Thread) {
	t.Ticks++
	t.Lifetime++

	seen := 0
	for h := t.Scheduler; h.Valid(); {
		parent := r.Resolve(h)
		if parent == nil {
			return
		}
		parent.ChildTicks++
		h = parent.Scheduler
		seen++
		if seen > r.Cap() {
			kerr.Fatal("scheduler inheritance forms a cycle", "thread", int(t.id))
		}
	}
}

// Recompute derives each thread's percent CPU over the last accounting
// period of hz ticks and starts a new period.
func (r *Registry) Recompute(hz int) {
	if hz <= 0 {
		return
	}
	r.Each(func(t *Thread) bool {
		t.Percent = int(t.Ticks * 100 / uint64(hz))
		t.Ticks = 0
		return true
	})
}

// Ancestor reports whether a is a scheduler ancestor of t.
func (r *Registry) Ancestor(a, t *Thread) bool {
	seen := 0
	for h := t.Scheduler; h.Valid() && seen <= r.Cap(); seen++ {
		parent := r.Resolve(h)
		if parent == nil {
			return false
		}
		if parent == a {
			return true
		}
		h = parent.Scheduler
	}
	return false
}
