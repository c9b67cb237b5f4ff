package bus

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

var goroutinePrefix = []byte("goroutine ")

// goid returns the id of the calling goroutine, parsed from the header line
// of its stack trace ("goroutine 42 [running]:").
func goid() uint64 {
	var buf [64]byte
	line := buf[:runtime.Stack(buf[:], false)]
	line = bytes.TrimPrefix(line, goroutinePrefix)
	if i := bytes.IndexByte(line, ' '); i >= 0 {
		line = line[:i]
	}
	id, err := strconv.ParseUint(string(line), 10, 64)
	if err != nil {
		panic("bus: cannot parse goroutine id from " + strconv.Quote(string(buf[:])))
	}
	return id
}

// dispatchLock serializes the dispatches of one bus. The goroutine holding it
// may lock it again, so a handler can publish on the bus that invoked it, or
// call anything that does, without deadlocking. Ownership never crosses
// goroutines: a publish from any other goroutine waits for the outermost
// dispatch to finish.
type dispatchLock struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int // guarded by mu, touched by the owner only
}

func (l *dispatchLock) lock() {
	g := goid()
	if l.owner.Load() == g {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(g)
	l.depth = 1
}

func (l *dispatchLock) unlock() {
	l.depth--
	if l.depth > 0 {
		return
	}
	l.owner.Store(0)
	l.mu.Unlock()
}

// tryLock acquires the lock only when nobody, including the caller, holds it.
func (l *dispatchLock) tryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	l.owner.Store(goid())
	l.depth = 1
	return true
}
