package tlsengine

import "sync/atomic"

// libraryRefCount backs LibraryRefCount, a process-wide count of
// Contexts currently holding the TLS library init guard. crypto/tls has
// no explicit init call of its own, so acquire/release are no-ops
// beyond the count itself; the guard exists so Context's init and free
// still pair up in a form tests and callers can observe.
var libraryRefCount int32

// LibraryRefCount reports how many Contexts currently hold the guard.
func LibraryRefCount() int32 {
	return atomic.LoadInt32(&libraryRefCount)
}

func acquireLibrary() {
	atomic.AddInt32(&libraryRefCount, 1)
}

func releaseLibrary() {
	atomic.AddInt32(&libraryRefCount, -1)
}
