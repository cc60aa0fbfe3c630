package syncer

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// AdmissionQueue bounds how many accounts sync at once in this process and
// keeps an account from running twice.
type AdmissionQueue struct {
	sem *semaphore.Weighted
	max int

	mu     sync.Mutex
	active map[string]struct{}
}

func NewAdmissionQueue(max int) *AdmissionQueue {
	if max <= 0 {
		max = 1
	}
	return &AdmissionQueue{
		sem:    semaphore.NewWeighted(int64(max)),
		max:    max,
		active: make(map[string]struct{}),
	}
}

// TryAcquire takes a slot for accountID without blocking.
func (q *AdmissionQueue) TryAcquire(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[accountID]; ok {
		return false
	}
	if !q.sem.TryAcquire(1) {
		return false
	}
	q.active[accountID] = struct{}{}
	return true
}

// Release frees the slot held by accountID. Releasing twice is a no-op.
func (q *AdmissionQueue) Release(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[accountID]; !ok {
		return
	}
	delete(q.active, accountID)
	q.sem.Release(1)
}

func (q *AdmissionQueue) Active(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[accountID]
	return ok
}

func (q *AdmissionQueue) InUse() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *AdmissionQueue) Capacity() int { return q.max }
