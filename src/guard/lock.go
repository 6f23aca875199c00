package guard

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

const lockFree int64 = -1

// AtomicLock is a compare-and-swap mutual-exclusion primitive for the small,
// latency-critical counter updates in rate limiting and abuse protection.
// It is re-entrant for the owning goroutine and never blocks forever:
// Acquire gives up after a bounded number of spin attempts.
type AtomicLock struct {
	owner       atomic.Int64
	holds       int
	maxAttempts int
	spinDelay   time.Duration
}

// NewAtomicLock creates a lock with default spin parameters
// (1000 attempts, 50µs between attempts).
func NewAtomicLock() *AtomicLock {
	return NewAtomicLockRetry(1000, 50*time.Microsecond)
}

// NewAtomicLockRetry creates a lock with an explicit attempt budget and
// inter-attempt delay.
func NewAtomicLockRetry(maxAttempts int, spinDelay time.Duration) *AtomicLock {
	l := &AtomicLock{maxAttempts: maxAttempts, spinDelay: spinDelay}
	l.owner.Store(lockFree)
	return l
}

// Acquire attempts to take the lock, spinning with a yield between attempts.
// It returns false once the attempt budget is exhausted. A goroutine that
// already holds the lock re-enters immediately.
func (l *AtomicLock) Acquire() bool {
	id := goroutineID()
	if l.owner.Load() == id {
		l.holds++
		return true
	}
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if l.owner.CompareAndSwap(lockFree, id) {
			l.holds = 1
			return true
		}
		if l.spinDelay > 0 {
			time.Sleep(l.spinDelay)
		} else {
			runtime.Gosched()
		}
	}
	return false
}

// Release drops one hold. The lock becomes free when the outermost hold of
// the owning goroutine is released. Releasing a lock that the calling
// goroutine does not own is a no-op.
func (l *AtomicLock) Release() {
	id := goroutineID()
	if l.owner.Load() != id {
		return
	}
	l.holds--
	if l.holds <= 0 {
		l.holds = 0
		l.owner.Store(lockFree)
	}
}

// Synchronized runs fn while holding the lock. The lock is released even if
// fn panics. It returns false if the lock could not be acquired within the
// attempt budget, in which case fn does not run.
func (l *AtomicLock) Synchronized(fn func()) bool {
	if !l.Acquire() {
		return false
	}
	defer l.Release()
	fn()
	return true
}

// goroutineID extracts the current goroutine id from the runtime stack
// header ("goroutine 123 [running]:").
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
