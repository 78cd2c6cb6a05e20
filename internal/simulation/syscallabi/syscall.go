package syscallabi

// Syscall holds the argument registers of one guest syscall invocation.
//
// Typed syscall entry points unpack these into real parameters before doing
// any work. The record survives in raw form so that a syscall which turns
// out to target a file kind the native layer does not implement can be
// handed wholesale to the legacy fallback layer, preserving the guest ABI.
//
// Integer arguments occupy the Int slot matching their argument position;
// pointer arguments are carried as views in the Ptr slot matching theirs.
type Syscall struct {
	Int0, Int1, Int2, Int3, Int4, Int5 uintptr
	Ptr0, Ptr1, Ptr2, Ptr3, Ptr4, Ptr5 any

	// Return registers, filled by whoever completes the call.
	R0    uintptr
	Errno uintptr
}

// Socklen is the guest's socklen_t.
type Socklen uint32
