package syscallabi

import "unsafe"

// SliceView is an OS-side wrapper around slices passed from the guest. It
// lets syscall implementations copy guest memory in and out without aliasing
// guest slices directly. A zero SliceView represents a null guest pointer.
type SliceView[T any] struct {
	Ptr []T
}

func NewSliceView[T any](ptr *T, len uintptr) SliceView[T] {
	return SliceView[T]{
		Ptr: unsafe.Slice(ptr, len),
	}
}

// Null reports whether the view refers to a null guest pointer.
func (b SliceView[T]) Null() bool {
	return b.Ptr == nil
}

func (b SliceView[T]) Len() int {
	return len(b.Ptr)
}

// Read copies from the view into the supplied buffer and returns the number
// of elements copied.
func (b SliceView[T]) Read(into []T) int {
	return copy(into, b.Ptr)
}

// Write copies from the supplied buffer into the view and returns the number
// of elements copied.
func (b SliceView[T]) Write(from []T) int {
	return copy(b.Ptr, from)
}

func (b SliceView[T]) SliceFrom(from int) SliceView[T] {
	return SliceView[T]{Ptr: b.Ptr[from:]}
}

func (b SliceView[T]) Slice(from, to int) SliceView[T] {
	return SliceView[T]{Ptr: b.Ptr[from:to]}
}

type ByteSliceView = SliceView[byte]

// ValueView is an OS-side wrapper around a pointer to a single value in
// guest memory. A ValueView over a nil pointer represents a null guest
// pointer; Get and Set on it panic, callers must check Null first.
type ValueView[T any] struct {
	underlying *T
}

func NewValueView[T any](ptr *T) ValueView[T] {
	return ValueView[T]{
		underlying: ptr,
	}
}

// Null reports whether the view refers to a null guest pointer.
func (s ValueView[T]) Null() bool {
	return s.underlying == nil
}

func (s ValueView[T]) UnsafePointer() unsafe.Pointer {
	return unsafe.Pointer(s.underlying)
}

func (s ValueView[T]) Get() T {
	return *s.underlying
}

func (s ValueView[T]) Set(v T) {
	*s.underlying = v
}
