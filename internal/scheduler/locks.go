package scheduler

import "sync"

// queueLocks serializes stats refresh and completion checks per queue while
// letting different queues proceed independently. An entry lives only while
// some caller holds or waits for it.
type queueLocks struct {
	mu    sync.Mutex
	locks map[string]*queueLock
}

type queueLock struct {
	sync.Mutex
	refs int
}

func newQueueLocks() *queueLocks {
	return &queueLocks{locks: make(map[string]*queueLock)}
}

// Lock acquires the lock of queueID and returns its unlock function.
func (l *queueLocks) Lock(queueID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[queueID]
	if !ok {
		lock = &queueLock{}
		l.locks[queueID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, queueID)
		}
		l.mu.Unlock()
	}
}

// Len reports how many queues currently have a lock entry.
func (l *queueLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
