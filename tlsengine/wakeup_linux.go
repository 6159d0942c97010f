//go:build linux

package tlsengine

import "golang.org/x/sys/unix"

// wakeFD is a Linux eventfd(2) used to carry a Session's pump-goroutine
// results back onto its Reactor's thread: a lightweight, epoll-
// compatible way for something outside the poll loop to wake it.
type wakeFD struct {
	fd int32
}

func newWakeFD() (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeFD{fd: int32(fd)}, nil
}

func (w *wakeFD) FD() int32 { return w.fd }

// signal is safe to call from any goroutine; it is the only thing a pump
// goroutine ever does to the reactor thread directly.
func (w *wakeFD) signal() {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, _ = unix.Write(int(w.fd), buf[:])
}

// drain clears the eventfd's counter so Poll does not keep waking for a
// delivery this Session has already consumed.
func (w *wakeFD) drain() {
	var buf [8]byte
	for {
		n, err := unix.Read(int(w.fd), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *wakeFD) close() {
	_ = unix.Close(int(w.fd))
}
