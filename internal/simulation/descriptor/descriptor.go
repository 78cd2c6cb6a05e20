package descriptor

import "github.com/kmrgirish/hostsim/internal/simulation/eventq"

// Flags are descriptor-local flags. Unlike FileStatus they are per-slot:
// duplicating a descriptor does not carry them over.
type Flags uint8

const (
	FlagCloexec Flags = 1 << iota
)

// Descriptor binds one table slot to an OpenFile.
type Descriptor struct {
	open  *OpenFile
	flags Flags
}

// New wraps open in a descriptor, taking over the caller's reference.
func New(open *OpenFile, flags Flags) *Descriptor {
	return &Descriptor{open: open, flags: flags}
}

// Open returns the shared open-file handle. The reference stays owned by the
// descriptor; callers that stash the handle must IncRef it themselves.
func (d *Descriptor) Open() *OpenFile {
	return d.open
}

func (d *Descriptor) File() File {
	return d.open.File()
}

func (d *Descriptor) Flags() Flags {
	return d.flags
}

func (d *Descriptor) SetFlags(flags Flags) {
	d.flags = flags
}

// Dup returns a new descriptor sharing this one's OpenFile. The two slots
// then share file status and state but not descriptor flags.
func (d *Descriptor) Dup(flags Flags) *Descriptor {
	return &Descriptor{open: d.open.IncRef(), flags: flags}
}

// Close releases the descriptor's file reference. Only the drop of the last
// reference can report an error.
func (d *Descriptor) Close(q *eventq.CallbackQueue) error {
	return d.open.DecRef(q)
}
