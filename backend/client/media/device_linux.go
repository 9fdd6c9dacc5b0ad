//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog"
)

const defaultVideoBitRate = 1_500_000

// DeviceSource captures camera, microphone and screen through
// pion/mediadevices (V4L2, malgo and X11 drivers).
type DeviceSource struct {
	logger   zerolog.Logger
	selector *mediadevices.CodecSelector
}

func NewDeviceSource(logger *zerolog.Logger) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = defaultVideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		logger: logger.With().Str("component", "devices").Logger(),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// UserMedia tries the requested combination first and then each kind alone,
// so a busy microphone does not prevent the camera from working.
func (d *DeviceSource) UserMedia(ctx context.Context, c Constraints) ([]SourceTrack, error) {
	attempts := []Constraints{c}
	if c.Video && c.Audio {
		attempts = append(attempts, Constraints{Video: true}, Constraints{Audio: true})
	}

	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream, err := mediadevices.GetUserMedia(d.constraints(a))
		if err != nil {
			d.logger.Warn().
				Bool("video", a.Video).
				Bool("audio", a.Audio).
				Err(err).
				Msg("GetUserMedia failed")
			errs = append(errs, err)
			continue
		}
		return wrapTracks(stream.GetTracks()), nil
	}
	return nil, errors.Join(errs...)
}

func (d *DeviceSource) DisplayMedia(ctx context.Context) ([]SourceTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, err
	}
	return wrapTracks(stream.GetTracks()), nil
}

func (d *DeviceSource) constraints(c Constraints) mediadevices.MediaStreamConstraints {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// raw formats only, MJPEG nodes of some cameras emit broken frames
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	return constraints
}

func wrapTracks(tracks []mediadevices.Track) []SourceTrack {
	out := make([]SourceTrack, 0, len(tracks))
	for _, track := range tracks {
		ended := make(chan struct{})
		var once sync.Once
		track.OnEnded(func(error) {
			once.Do(func() { close(ended) })
		})
		out = append(out, SourceTrack{
			Kind:  KindOf(track.Kind()),
			Local: track,
			Stop:  func() { _ = track.Close() },
			Ended: ended,
		})
	}
	return out
}
