package x64

// DefaultMXCSR is the MXCSR value at process start on SysV AMD64: every floating-point exception masked,
// round to nearest.
const DefaultMXCSR = 0x1f80

// JitState is the execution state which stubs and translated code reach through JitStateRegister while
// a run is in progress.
//
// Front ends that need more state embed JitState as the first field of their own struct, so that the
// offsets below stay valid for the outer struct.
type JitState struct {
	// CyclesRemaining is the budget left for the current run. Translated code decrements it and the exit
	// stubs loop back to the dispatcher while it is positive.
	CyclesRemaining int64
	// SaveHostMXCSR holds the host MXCSR while translated code runs.
	SaveHostMXCSR uint32
	// GuestMXCSR holds the guest MXCSR while the host runs.
	GuestMXCSR uint32
}

// NewJitState returns a JitState whose guest MXCSR masks every exception. Memory callbacks run with the
// guest MXCSR loaded, so a zero GuestMXCSR would unmask floating-point exceptions in Go code.
func NewJitState() *JitState {
	return &JitState{SaveHostMXCSR: DefaultMXCSR, GuestMXCSR: DefaultMXCSR}
}

// Emitted code reads/writes JitState with the following constants.
// See TestVerifyOffsetValue for how to derive these values.
const (
	jitStateCyclesRemainingOffset = 0
	jitStateSaveHostMXCSROffset   = 8
	jitStateGuestMXCSROffset      = 12
)

// JitStateOffsets publishes the field offsets of JitState to front ends emitting translated code.
var JitStateOffsets = struct {
	CyclesRemaining int64
	SaveHostMXCSR   int64
	GuestMXCSR      int64
}{
	CyclesRemaining: jitStateCyclesRemainingOffset,
	SaveHostMXCSR:   jitStateSaveHostMXCSROffset,
	GuestMXCSR:      jitStateGuestMXCSROffset,
}
