//go:build !linux

package tlsengine

import "errors"

func dupFD(fd int32) (int, error) {
	return 0, errors.New("tlsengine: dup not supported on this platform")
}
