//go:build !linux && !darwin

package transport

import (
	"errors"

	"github.com/srediag/plugin-socket/api"
)

var errUnsupported = errors.New("socket helpers not supported on this platform")

type platformHelper struct{}

func (platformHelper) SetNonblock(int) error { return errUnsupported }

func (platformHelper) SetSocketOption(int, api.SocketOption, int) error { return errUnsupported }

func (platformHelper) SocketOption(int, api.SocketOption) (int, error) { return -1, errUnsupported }
