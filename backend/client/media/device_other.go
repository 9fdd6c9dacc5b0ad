//go:build !linux || !cgo

package media

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var ErrNoDeviceSupport = errors.New("device capture is not supported on this platform")

// DeviceSource is unavailable without the linux capture drivers; every
// request fails like a missing device would.
type DeviceSource struct{}

func NewDeviceSource(_ *zerolog.Logger) (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (d *DeviceSource) UserMedia(context.Context, Constraints) ([]SourceTrack, error) {
	return nil, ErrNoDeviceSupport
}

func (d *DeviceSource) DisplayMedia(context.Context) ([]SourceTrack, error) {
	return nil, ErrNoDeviceSupport
}
