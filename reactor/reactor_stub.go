//go:build !linux

package reactor

import "github.com/bkeevil/tcp/api"

// newPlatformReactor has no implementation outside Linux: the rest of this
// module talks to the kernel through golang.org/x/sys/unix's Linux-only
// epoll calls. A platform-specific reactor lives in its own build-tagged
// file per OS; no Windows IOCP variant exists yet.
func newPlatformReactor() (api.Reactor, error) {
	return nil, api.NewError(api.ErrIoInit, "reactor.New", errUnsupportedPlatform)
}
