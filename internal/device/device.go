// Package device describes the fallback-ordered device list a subgraph's
// compiled body can run on, and the monotonic cursor the failover loop
// advances through it.
package device

import (
	"fmt"
	"strings"
)

// Kind identifies a device class. Auto is a sentinel meaning "let the
// collaborator pick"; it is never returned by Iterator.Current.
type Kind int

const (
	Auto Kind = iota
	NPU
	GPU
	CPU
)

func (k Kind) String() string {
	switch k {
	case Auto:
		return "AUTO"
	case NPU:
		return "NPU"
	case GPU:
		return "GPU"
	case CPU:
		return "CPU"
	default:
		return fmt.Sprintf("device.Kind(%d)", int(k))
	}
}

// Normalize maps a case-insensitive device name to a Kind, defaulting to
// Auto for anything it doesn't recognize.
func Normalize(name string) Kind {
	switch strings.ToUpper(name) {
	case "NPU":
		return NPU
	case "GPU":
		return GPU
	case "CPU":
		return CPU
	default:
		return Auto
	}
}

// Iterator walks a fallback-ordered device list, advancing monotonically
// and never revisiting a device within one recovery sequence (invariant
// 6). It is owned by a single SubgraphDescriptor.
type Iterator struct {
	order  []Kind
	cursor int
}

// NewIterator builds an Iterator over order, starting before the first
// entry; the first Advance call lands on order[0].
func NewIterator(order []Kind) *Iterator {
	return &Iterator{order: append([]Kind(nil), order...), cursor: -1}
}

// Current returns the device the iterator currently points at. It panics
// if Advance has never been called.
func (it *Iterator) Current() Kind {
	if it.cursor < 0 {
		panic("device: Iterator.Current called before the first Advance")
	}
	return it.order[it.cursor]
}

// Advance moves to the next device in the fallback order and returns it
// along with whether one remained.
func (it *Iterator) Advance() (Kind, bool) {
	if it.cursor+1 >= len(it.order) {
		return Auto, false
	}
	it.cursor++
	return it.order[it.cursor], true
}

// Exhausted reports whether Advance has moved past every configured
// device.
func (it *Iterator) Exhausted() bool {
	return it.cursor+1 >= len(it.order)
}

// EnsureStarted returns the current device, advancing to the first one if
// Advance has never been called. Device descriptors are expected to start
// pointed at their first candidate device before a request begins; this
// only guards against a descriptor that was never advanced at all.
func (it *Iterator) EnsureStarted() Kind {
	if it.cursor < 0 {
		k, ok := it.Advance()
		if !ok {
			panic("device: Iterator has an empty device list")
		}
		return k
	}
	return it.Current()
}

// Reset rewinds the iterator to its initial, pre-Advance state. Used when
// a new inference request reuses a descriptor's device list.
func (it *Iterator) Reset() {
	it.cursor = -1
}
