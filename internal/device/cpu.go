package device

import "golang.org/x/sys/cpu"

// Available reports whether k can be probed by this build. CPU is always
// available; NPU/GPU availability is decided by collaborator-supplied
// compilers, not by this package, so it reports false for them.
func Available(k Kind) bool {
	switch k {
	case CPU:
		return true
	case NPU, GPU:
		return false
	default:
		return false
	}
}

// HasAVX2 reports whether the host CPU supports AVX2, used by
// internal/tensor to pick a larger batch size for its parallel loops.
func HasAVX2() bool {
	return cpu.X86.HasAVX2
}
