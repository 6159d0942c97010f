package api

// EventHandler is implemented by anything a Reactor can dispatch readiness
// to. In this module that is socket.DataSocket and the types embedding
// socket.Socket (client.Client, server.Server, server.Session), plus
// tlsengine.Session for its wake descriptor; the interface is what lets
// reactor stay free of any socket/buffer/TLS knowledge.
type EventHandler interface {
	// FD returns the descriptor this handler is registered under. It
	// must stay stable for the lifetime of one registration.
	FD() int32

	// HandleEvents is invoked by the reactor's poll loop with the
	// readiness bits delivered for FD(). It runs on the reactor's
	// thread and must not block.
	HandleEvents(ready Interest)
}

// Reactor is the readiness-notification multiplexer that drives a set of
// registered handlers from a single poll loop. One Reactor drives many
// Sockets; a Socket belongs to exactly one Reactor for its lifetime.
type Reactor interface {
	// Add registers h under its descriptor with the given interest
	// mask. Returns an *Error with ErrAlreadyRegistered if the
	// descriptor is already registered, or ErrIoRegister if the OS
	// rejects the registration.
	Add(h EventHandler, interest Interest) error

	// Update changes the interest mask for an already-registered
	// handler. A no-op if interest is unchanged. Returns an *Error
	// with ErrNotRegistered or ErrIoRegister.
	Update(h EventHandler, interest Interest) error

	// Remove deregisters h. Idempotent: removing an unregistered or
	// already-removed handler succeeds silently.
	Remove(h EventHandler) error

	// Poll blocks for at most timeoutMs milliseconds waiting for
	// readiness, then dispatches each ready descriptor's handler in
	// the order the OS returned them. A negative timeoutMs blocks
	// indefinitely. Returns nil if interrupted by a signal.
	Poll(timeoutMs int) error

	// Registered reports whether h is currently registered. Intended
	// for tests that check the registration-uniqueness invariant.
	Registered(h EventHandler) bool

	// Close releases the underlying OS readiness object. The Reactor
	// must not be used afterwards.
	Close() error
}
