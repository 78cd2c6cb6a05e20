package descriptor

import "github.com/kmrgirish/hostsim/internal/simulation/eventq"

// OpenFile is a shared, reference-counted handle to a File. Descriptors own
// one reference each, and a blocked syscall holds one so that closing the fd
// it started from cannot free the file out from under the pending wait. The
// File is closed when the last reference drops.
type OpenFile struct {
	file File
	refs int
}

// NewOpenFile wraps f with a single reference, owned by the caller.
func NewOpenFile(f File) *OpenFile {
	return &OpenFile{file: f, refs: 1}
}

func (o *OpenFile) File() File {
	return o.file
}

// IncRef adds a reference and returns o for chaining.
func (o *OpenFile) IncRef() *OpenFile {
	if o.refs <= 0 {
		panic("descriptor: IncRef of already-closed OpenFile")
	}
	o.refs++
	return o
}

// DecRef drops one reference. The last drop closes the File and returns its
// close error; earlier drops return nil.
func (o *OpenFile) DecRef(q *eventq.CallbackQueue) error {
	if o.refs <= 0 {
		panic("descriptor: DecRef of already-closed OpenFile")
	}
	o.refs--
	if o.refs > 0 {
		return nil
	}
	return o.file.Close(q)
}
