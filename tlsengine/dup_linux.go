//go:build linux

package tlsengine

import "golang.org/x/sys/unix"

// dupFD duplicates fd so the TLS goroutines can hand their own
// descriptor to the Go runtime poller via os.NewFile without taking
// ownership of the DataSocket's descriptor: closing one side never
// closes the other, so the owning Socket's Close/Disconnected stays the
// single source of truth for the original descriptor's lifetime.
func dupFD(fd int32) (int, error) {
	return unix.Dup(int(fd))
}
