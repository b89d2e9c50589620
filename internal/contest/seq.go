package contest

import "sync/atomic"

type seqCounter struct{ n uint64 }

func newSeqCounter() *seqCounter { return &seqCounter{} }

func (s *seqCounter) next() uint64 { return atomic.AddUint64(&s.n, 1) }
