// Package mmio provides typed load/store access to a memory-mapped
// register block. Accesses go through sync/atomic so the compiler cannot
// tear, coalesce or reorder them the way it may for plain slice writes.
package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Window is a register block mapped from a PCI BAR. Offsets are byte
// offsets from the start of the mapping and must keep the full access
// inside the window; 64-bit accesses must be 8-byte aligned (the NVMe
// register layout guarantees this for every defined register).
//
// An optional write observer supports device models: QEMU-style dispatch
// where a doorbell store triggers device processing. It is nil on real
// hardware and adds a single predictable branch per store.
type Window struct {
	base    []byte
	onWrite func(off uint32)
}

// NewWindow wraps a mapped register block.
func NewWindow(base []byte) *Window {
	return &Window{base: base}
}

// NewObservedWindow wraps a register block and invokes onWrite after every
// store, with the byte offset of the store.
func NewObservedWindow(base []byte, onWrite func(off uint32)) *Window {
	return &Window{base: base, onWrite: onWrite}
}

// Size returns the window size in bytes.
func (w *Window) Size() uint32 {
	return uint32(len(w.base))
}

func (w *Window) check(off, width uint32) {
	if uint64(off)+uint64(width) > uint64(len(w.base)) {
		panic(fmt.Sprintf("mmio: %d-byte access at offset %#x outside %d-byte window", width, off, len(w.base)))
	}
}

// Read32 performs a 32-bit load at off.
func (w *Window) Read32(off uint32) uint32 {
	w.check(off, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.base[off])))
}

// Read64 performs a 64-bit load at off.
func (w *Window) Read64(off uint32) uint64 {
	w.check(off, 8)
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&w.base[off])))
}

// Write32 performs a 32-bit store at off.
func (w *Window) Write32(off uint32, v uint32) {
	w.check(off, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.base[off])), v)
	if w.onWrite != nil {
		w.onWrite(off)
	}
}

// Write64 performs a 64-bit store at off.
func (w *Window) Write64(off uint32, v uint64) {
	w.check(off, 8)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&w.base[off])), v)
	if w.onWrite != nil {
		w.onWrite(off)
	}
}
