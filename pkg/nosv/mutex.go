package nosv

import "github.com/aclements/nosv/internal/taskmutex"

// Mutex is the cooperative task mutex (spec.md §4.9 "Task mutex"): a
// lock whose waiters block by pausing rather than spinning, handed
// directly to the next waiter on unlock. It may only be used from
// inside scalar (Degree()==1) tasks.
type Mutex = taskmutex.Mutex

// NewMutex creates an unlocked task mutex.
func (p *Process) NewMutex() *Mutex {
	return taskmutex.New()
}
