//go:build !linux

package tlsengine

import "errors"

var errWakeUnsupported = errors.New("tlsengine: eventfd wakeup not supported on this platform")

type wakeFD struct{}

func newWakeFD() (*wakeFD, error) { return nil, errWakeUnsupported }
func (w *wakeFD) FD() int32       { return 0 }
func (w *wakeFD) signal()         {}
func (w *wakeFD) drain()          {}
func (w *wakeFD) close()          {}
