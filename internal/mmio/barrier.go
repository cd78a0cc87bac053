package mmio

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier
// semantics. On x86-64, atomic.AddInt64 compiles to LOCK XADD which has
// full fence semantics.
var barrierDummy int64

// Sfence issues a store fence equivalent. The queue engine uses it to
// order the command-slot store ahead of the doorbell store.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mfence issues a full memory fence equivalent.
func Mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
