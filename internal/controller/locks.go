package controller

import (
	"sync"
	"time"
)

// ReconcileInProgressRequeueAfter is how long a reconcile request waits when
// a prior reconcile for the same object is still in flight.
const ReconcileInProgressRequeueAfter = 5 * time.Second

// lockMap hands out one mutex per object identity so that at most one
// reconcile per object runs at a time, even if the same reconciler is
// registered with multiple workers. Locks are never removed; the map grows
// with the number of distinct objects this controller has seen, which is
// bounded by the cluster's CR count.
type lockMap struct {
	locks sync.Map
}

func (m *lockMap) getOrCreateLock(key string) *sync.Mutex {
	actual, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
