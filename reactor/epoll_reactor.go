//go:build linux

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/internal/logging"
)

var log = logging.For("reactor")

// epollReactor implements api.Reactor on top of Linux epoll(7):
// golang.org/x/sys/unix for every syscall, a descriptor-indexed registry
// built on a plain map guarded by a mutex. Construction/destruction of
// the Sockets that touch this map happens off the reactor's own call
// stack (e.g. from a Server's accept path running inside Poll), so the
// guard protects that single case rather than general concurrent use
// from arbitrary goroutines.
type epollReactor struct {
	epfd int

	mu       sync.Mutex
	handlers map[int32]api.EventHandler
}

func newPlatformReactor() (api.Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, api.NewError(api.ErrIoInit, "reactor.New", err)
	}
	return &epollReactor{
		epfd:     epfd,
		handlers: make(map[int32]api.EventHandler),
	}, nil
}

func toEpollEvents(i api.Interest) uint32 {
	var ev uint32
	if i&api.Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&api.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if i&api.Closed != 0 {
		ev |= unix.EPOLLRDHUP
	}
	// HUP/ERR are always worth delivering regardless of interest: a dead
	// peer should never go unnoticed because the caller forgot Closed.
	ev |= unix.EPOLLHUP | unix.EPOLLERR
	return ev
}

func fromEpollEvents(ev uint32) api.Interest {
	var i api.Interest
	if ev&unix.EPOLLIN != 0 {
		i |= api.Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		i |= api.Writable
	}
	if ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		i |= api.Closed
	}
	return i
}

func (r *epollReactor) Add(h api.EventHandler, interest api.Interest) error {
	fd := h.FD()
	r.mu.Lock()
	if _, ok := r.handlers[fd]; ok {
		r.mu.Unlock()
		return api.NewError(api.ErrAlreadyRegistered, "reactor.Add", nil)
	}
	r.handlers[fd] = h
	r.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: fd}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
		r.mu.Lock()
		delete(r.handlers, fd)
		r.mu.Unlock()
		return api.NewError(api.ErrIoRegister, "reactor.Add", err)
	}
	return nil
}

func (r *epollReactor) Update(h api.EventHandler, interest api.Interest) error {
	fd := h.FD()
	r.mu.Lock()
	_, ok := r.handlers[fd]
	r.mu.Unlock()
	if !ok {
		return api.NewError(api.ErrNotRegistered, "reactor.Update", nil)
	}
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: fd}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), ev); err != nil {
		return api.NewError(api.ErrIoRegister, "reactor.Update", err)
	}
	return nil
}

func (r *epollReactor) Remove(h api.EventHandler) error {
	fd := h.FD()
	r.mu.Lock()
	_, ok := r.handlers[fd]
	if ok {
		delete(r.handlers, fd)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	return nil
}

func (r *epollReactor) Poll(timeoutMs int) error {
	var events [MaxEventsPerPoll]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return api.NewError(api.ErrIoSyscall, "reactor.Poll", err)
	}
	for i := 0; i < n; i++ {
		fd := events[i].Fd
		r.mu.Lock()
		h, ok := r.handlers[fd]
		r.mu.Unlock()
		if !ok {
			continue
		}
		r.dispatch(h, fromEpollEvents(events[i].Events))
	}
	return nil
}

// dispatch runs one handler to completion, recovering a panic so one
// misbehaving socket cannot kill the loop.
func (r *epollReactor) dispatch(h api.EventHandler, ready api.Interest) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Int32("fd", h.FD()).Interface("panic", p).Msg("event handler panicked")
		}
	}()
	h.HandleEvents(ready)
}

func (r *epollReactor) Registered(h api.EventHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[h.FD()]
	return ok
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
