package machine

import (
	"runtime"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

// Workload is a synthetic thread: it burns Cost of CPU time in each of
// Periods periods, yielding the rest of every period but the last.
type Workload struct {
	Attr    thread.Attr
	Cost    time.Duration
	Periods int
}

// CostTicks converts CPU time to whole timer ticks, rounding up.
func (m *Machine) CostTicks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	p := m.TickPeriod()
	return uint64((d + p - 1) / p)
}

// Spawn creates a thread running w. The thread returns the number of periods
// it completed.
func (m *Machine) Spawn(w Workload) (thread.ID, error) {
	ticks := m.CostTicks(w.Cost)
	periods := max(w.Periods, 1)
	periodic := w.Attr.Period > 0
	return m.sched.Create(func(self *thread.Thread, arg any) any {
		for i := 0; i < periods; i++ {
			m.burn(self, ticks)
			if periodic && i+1 < periods {
				m.sched.YieldPeriod(self)
			}
		}
		return periods
	}, nil, w.Attr)
}

// burn spins until self has been charged ticks more timer ticks, passing
// through the preemption and cancellation points on every iteration.
func (m *Machine) burn(self *thread.Thread, ticks uint64) {
	if ticks == 0 {
		return
	}
	st, err := m.sched.Stats(self.ID())
	if err != nil {
		return
	}
	until := st.Lifetime + ticks
	for {
		m.sched.Checkpoint(self)
		m.sched.Testcancel(self)
		st, err := m.sched.Stats(self.ID())
		if err != nil || st.Lifetime >= until {
			return
		}
		runtime.Gosched()
	}
}
