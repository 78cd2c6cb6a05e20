/*
Package hostsim emulates the socket and file-descriptor syscalls of a Linux
host inside a discrete-event simulation. A guest process's system calls are
executed against simulated kernel objects, sockets and pipes, instead of the
real operating system, with no real threads: a call that would block returns
a suspended-syscall token, and the simulation's scheduler re-invokes the same
call once the awaited file state arrives.

# Blocking without threads

Each simulated thread enters syscalls through [LinuxOS]. When a call cannot
make progress and is allowed to wait, the returned error is a [*Blocked]
carrying a condition: the file being waited on, the state it must reach, and
a reference that keeps the file alive even if the originating descriptor is
closed in the meantime. The scheduler holds the condition, waits for it to
fire, and calls the same entry point again; the re-invocation picks up the
stashed file and retries.

Calls on non-blocking files, or calls carrying MSG_DONTWAIT, never suspend:
they surface EAGAIN like the real kernel.

# Native and legacy dispatch

Unix-domain sockets and pipes are implemented natively. AF_INET stream
sockets are created natively but backed by an endpoint of the legacy syscall
layer supplied through [LegacySyscalls]; every syscall that resolves to such
a socket is redirected there wholesale. fd numbering, dup, close-on-exec,
and reference counting stay native for all files.
*/
package hostsim
