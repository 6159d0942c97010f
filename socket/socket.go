// Package socket implements the Socket base type and the buffered
// DataSocket that Client and Session specialize. It talks to the kernel
// through golang.org/x/sys/unix for every syscall.
package socket

import (
	"golang.org/x/sys/unix"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/internal/logging"
)

var log = logging.For("socket")

// Socket owns one OS socket descriptor, its address family, blocking mode,
// registered interest mask, and lifecycle state. It is meant
// to be embedded by DataSocket (and, through it, by Client and Session);
// the embedding type supplies the api.EventHandler that the reactor
// actually dispatches to, because Go has no virtual dispatch through
// embedding alone.
type Socket struct {
	reactor  api.Reactor
	handler  api.EventHandler
	fd       int32
	domain   api.Domain
	blocking bool
	interest api.Interest
	state    api.SocketState
}

// Init brings Socket up: if fd is zero, creates a new stream socket of
// domain; sets the descriptor non-blocking unless blocking is requested;
// registers handler with r under interest. On any failure the Socket is
// left with no registration and no open descriptor, so its Close is
// always safe to call.
func (s *Socket) Init(r api.Reactor, handler api.EventHandler, domain api.Domain, fd int32, blocking bool, interest api.Interest) error {
	if domain != api.DomainIPv4 && domain != api.DomainIPv6 {
		return api.NewError(api.ErrInvalidArgument, "socket.Init", nil)
	}
	if fd < 0 {
		return api.NewError(api.ErrInvalidArgument, "socket.Init", nil)
	}

	s.reactor = r
	s.handler = handler
	s.domain = domain
	s.blocking = blocking

	owned := fd == 0
	if owned {
		af := unix.AF_INET
		if domain == api.DomainIPv6 {
			af = unix.AF_INET6
		}
		created, err := unix.Socket(af, unix.SOCK_STREAM, 0)
		if err != nil {
			return api.NewError(api.ErrIoSyscall, "socket.Init", err)
		}
		fd = int32(created)
	}
	s.fd = fd

	if !blocking {
		if err := unix.SetNonblock(int(fd), true); err != nil {
			if owned {
				_ = unix.Close(int(fd))
			}
			s.fd = 0
			return api.NewError(api.ErrIoSyscall, "socket.Init", err)
		}
	}

	if err := r.Add(handler, interest); err != nil {
		if owned {
			_ = unix.Close(int(fd))
		}
		s.fd = 0
		return err
	}
	s.interest = interest
	return nil
}

// FD satisfies api.EventHandler. It is promoted unchanged by every
// embedding type.
func (s *Socket) FD() int32 { return s.fd }

// Domain returns the address family this socket was constructed with.
func (s *Socket) Domain() api.Domain { return s.domain }

// Blocking reports whether this socket uses blocking syscalls. Set at
// construction, never mutated afterwards.
func (s *Socket) Blocking() bool { return s.blocking }

// State returns the current lifecycle state.
func (s *Socket) State() api.SocketState { return s.state }

// SetState is used by DataSocket/Client/Session to drive the connection
// lifecycle state machine.
func (s *Socket) SetState(st api.SocketState) { s.state = st }

// Interest returns the currently registered interest mask.
func (s *Socket) Interest() api.Interest { return s.interest }

// SetInterest delegates to the reactor and, on success, updates the
// cached mask.
func (s *Socket) SetInterest(mask api.Interest) error {
	if mask == s.interest {
		return nil
	}
	if err := s.reactor.Update(s.handler, mask); err != nil {
		return err
	}
	s.interest = mask
	return nil
}

// Disconnect requests a half-close in both directions if currently
// connected, then unconditionally calls Disconnected.
func (s *Socket) Disconnect() {
	if s.state == api.StateConnected && s.fd != 0 {
		_ = unix.Shutdown(int(s.fd), unix.SHUT_RDWR)
	}
	s.Disconnected()
}

// Disconnected is idempotent: if the descriptor is still open, it is
// closed and cleared, and state moves to DISCONNECTED.
func (s *Socket) Disconnected() {
	if s.state == api.StateDisconnected && s.fd == 0 {
		return
	}
	if s.fd != 0 {
		if err := s.reactor.Remove(s.handler); err != nil {
			log.Warn().Int32("fd", s.fd).Err(err).Msg("remove from reactor failed")
		}
		if err := unix.Close(int(s.fd)); err != nil {
			log.Warn().Int32("fd", s.fd).Err(err).Msg("close failed")
		}
		s.fd = 0
	}
	s.state = api.StateDisconnected
}

// disconnectedDispatch invokes the outermost embedding type's
// Disconnected override, if it has one, via the handler recorded at
// Init. Go's embedding has no virtual dispatch: a plain d.Disconnected()
// call from inside DataSocket always runs DataSocket's own method, even
// when d is actually a *server.Session with its own override. Every
// internal trigger that needs the full override chain (peer-closed
// delivery, Disconnect()) goes through this instead.
func (s *Socket) disconnectedDispatch() {
	if d, ok := s.handler.(interface{ Disconnected() }); ok {
		d.Disconnected()
		return
	}
	s.Disconnected()
}

// Close is the destructor equivalent: it deregisters from the reactor and
// closes the descriptor if still open, regardless of state. Safe to call
// on a Socket that failed Init.
func (s *Socket) Close() {
	if s.fd == 0 {
		return
	}
	if s.handler != nil {
		_ = s.reactor.Remove(s.handler)
	}
	_ = unix.Close(int(s.fd))
	s.fd = 0
	s.state = api.StateDisconnected
}
