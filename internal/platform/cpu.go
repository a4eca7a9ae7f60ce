package platform

import "golang.org/x/sys/cpu"

// CpuFeatureFlags exposes the host CPU capabilities the code emitter cares about.
type CpuFeatureFlags interface {
	// HasAVX returns true when the CPU executes VEX encoded instructions, in which case switching
	// between legacy SSE and AVX code may incur a state transition penalty unless the upper halves
	// of the YMM registers are cleared with VZEROUPPER.
	HasAVX() bool
}

// CpuFeatures exposes the capabilities for this CPU.
var CpuFeatures CpuFeatureFlags = cpuFeatureFlags{avx: cpu.X86.HasAVX}

type cpuFeatureFlags struct {
	avx bool
}

// HasAVX implements the same method on the CpuFeatureFlags interface.
func (f cpuFeatureFlags) HasAVX() bool {
	return f.avx
}

// StaticCpuFeatures returns CpuFeatureFlags with fixed answers, regardless of the host CPU.
func StaticCpuFeatures(avx bool) CpuFeatureFlags {
	return cpuFeatureFlags{avx: avx}
}
