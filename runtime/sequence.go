package runtime

import (
	"sync"
	"sync/atomic"
)

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen() *seqGen {
	return &seqGen{}
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// SequencedEmitter stamps Seq on each event with a per-run counter before
// handing it to the wrapped emitter.
func SequencedEmitter(emit EventEmitter) EventEmitter {
	var (
		mu   sync.Mutex
		gens = make(map[string]*seqGen)
	)
	return func(e Event) {
		mu.Lock()
		gen, ok := gens[e.RunID]
		if !ok {
			gen = newSeqGen()
			gens[e.RunID] = gen
		}
		mu.Unlock()

		e.Seq = gen.Next()
		emit(e)
	}
}
