// Package reactor implements a readiness-notification multiplexer: a
// single OS polling object plus a descriptor-indexed registry of
// api.EventHandler, dispatched from one poll loop per reactor. Sockets
// register themselves; the reactor holds non-owning references and never
// constructs or destroys a Socket.
package reactor

import (
	"errors"

	"github.com/bkeevil/tcp/api"
)

// MaxEventsPerPoll bounds how many ready descriptors a single Poll call
// dispatches; remaining readiness is observed on the next call.
const MaxEventsPerPoll = 10

var errUnsupportedPlatform = errors.New("reactor: platform not supported")

// New allocates the OS readiness object for the current platform and
// returns a ready-to-use api.Reactor. It fails with api.ErrIoInit on OS
// failure.
func New() (api.Reactor, error) {
	return newPlatformReactor()
}
