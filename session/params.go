package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/framepipe/framepipe/backend"
	"github.com/framepipe/framepipe/internal/pts"
	"github.com/framepipe/framepipe/media"
)

// PTSTrick selects the encode timestamp policy. Values mirror
// internal/pts.Trick; TrickAuto picks Even for live targets (rtmp, rtsp,
// srt schemes) and Increase otherwise.
type PTSTrick int

const (
	TrickAuto     PTSTrick = PTSTrick(pts.TrickAuto)
	TrickEven     PTSTrick = PTSTrick(pts.TrickEven)
	TrickIncrease PTSTrick = PTSTrick(pts.TrickIncrease)
	TrickRelative PTSTrick = PTSTrick(pts.TrickRelative)
	TrickDirect   PTSTrick = PTSTrick(pts.TrickDirect)
)

func (t PTSTrick) String() string {
	return pts.Trick(t).String()
}

// CodecParams is the immutable configuration snapshot supplied at open
// time. Encode mode requires geometry and rate controls; decode mode must
// leave them unset, since the stream itself is authoritative there.
type CodecParams struct {
	Width      int
	Height     int
	Bitrate    int
	MaxBitrate int
	FPS        int
	GOP        int // keyframe interval
	BFrames    int

	PTSTrick PTSTrick
	// GapTolerance is the Even-policy resync threshold in frames; zero
	// means the default of 6.
	GapTolerance int

	Codec   string
	Profile string
	Preset  string
	Tune    string
	Flags   string
	Flags2  string

	PixelFormat string // codec-native format name, e.g. "yuv420p", "rgb24"
	Format      string // container format identifier

	SEIUUID uuid.UUID // tag for attached/extracted SEI metadata
	AnnexB  bool      // start-code NAL framing instead of length prefixes
}

// validate enforces the per-mode parameter contract.
func (p CodecParams) validate(mode media.Mode) error {
	switch mode {
	case media.ModeEncode:
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("%w: encode geometry %dx%d", ErrInvalidParams, p.Width, p.Height)
		}
		if p.FPS <= 0 {
			return fmt.Errorf("%w: encode fps %d", ErrInvalidParams, p.FPS)
		}
		if p.Bitrate < 0 || p.MaxBitrate < 0 || p.GOP < 0 || p.BFrames < 0 {
			return fmt.Errorf("%w: negative rate control", ErrInvalidParams)
		}
	case media.ModeDecode:
		if p.Width != 0 || p.Height != 0 || p.FPS != 0 ||
			p.Bitrate != 0 || p.MaxBitrate != 0 || p.GOP != 0 || p.BFrames != 0 ||
			p.Codec != "" || p.Profile != "" || p.Preset != "" || p.Tune != "" {
			return fmt.Errorf("%w: rate and geometry controls must be unset in decode mode", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: unknown mode %v", ErrInvalidParams, mode)
	}

	switch pts.Trick(p.PTSTrick) {
	case pts.TrickAuto, pts.TrickEven, pts.TrickIncrease, pts.TrickRelative, pts.TrickDirect:
	default:
		return fmt.Errorf("%w: unknown pts trick %d", ErrInvalidParams, p.PTSTrick)
	}
	if p.GapTolerance < 0 {
		return fmt.Errorf("%w: negative gap tolerance", ErrInvalidParams)
	}
	return nil
}

// openParams maps the snapshot onto the backend boundary.
func (p CodecParams) openParams() backend.OpenParams {
	return backend.OpenParams{
		Width:       p.Width,
		Height:      p.Height,
		FPS:         p.FPS,
		Bitrate:     p.Bitrate,
		MaxBitrate:  p.MaxBitrate,
		GOP:         p.GOP,
		BFrames:     p.BFrames,
		Codec:       p.Codec,
		Profile:     p.Profile,
		Preset:      p.Preset,
		Tune:        p.Tune,
		Flags:       p.Flags,
		Flags2:      p.Flags2,
		PixelFormat: media.ParsePixelFormat(p.PixelFormat),
		Format:      p.Format,
		AnnexB:      p.AnnexB,
	}
}
