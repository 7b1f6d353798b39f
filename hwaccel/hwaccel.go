// Package hwaccel decides, per frame, whether pixel-format conversion runs
// on an accelerator device or on the host, and manages the transfers
// between codec-native frames and the RGB working frame. The conversion
// math itself and the device kernels are external capabilities consumed
// through the interfaces below.
package hwaccel

import (
	"errors"
	"fmt"

	"github.com/framepipe/framepipe/backend"
	"github.com/framepipe/framepipe/media"
)

// Error kinds. Device-transfer and device-context failures surface as
// ErrHardware so callers can tell "hardware unavailable" apart from a
// conversion failure (ErrConversion), which may be retryable in software.
var (
	ErrHardware   = errors.New("hwaccel: hardware acceleration failure")
	ErrConversion = errors.New("hwaccel: pixel conversion failure")
)

// HostConverter converts a frame between pixel formats on the host CPU.
type HostConverter interface {
	Convert(src *backend.Frame, dst media.PixelFormat) (*backend.Frame, error)
}

// Device acquires conversion contexts on an accelerator.
type Device interface {
	Acquire(deviceID string) (DeviceContext, error)
}

// DeviceContext is an acquired accelerator context. Transfer calls flip a
// frame between host and device residency in place; Convert requires the
// source to be device resident and produces a device-resident result.
type DeviceContext interface {
	TransferToDevice(f *backend.Frame) error
	TransferFromDevice(f *backend.Frame) error
	Convert(src *backend.Frame, dst media.PixelFormat) (*backend.Frame, error)
	Release() error
}

// Selector routes frames through the device or host conversion path. The
// choice is fixed at construction: the selector never falls back from
// hardware to software mid-stream. One selector serves one session.
type Selector struct {
	host            HostConverter
	dev             DeviceContext // nil when hardware is disabled
	convertOnDevice bool
}

// NewSelector builds a Selector. dev is nil for the software-only path.
// convertOnDevice requires dev; a host converter is required whenever any
// conversion can land on the host.
func NewSelector(host HostConverter, dev DeviceContext, convertOnDevice bool) (*Selector, error) {
	if convertOnDevice && dev == nil {
		return nil, fmt.Errorf("%w: on-device conversion requested without a device context", ErrHardware)
	}
	if !convertOnDevice && host == nil {
		return nil, fmt.Errorf("%w: no host converter", ErrConversion)
	}
	return &Selector{host: host, dev: dev, convertOnDevice: convertOnDevice}, nil
}

// HardwareEnabled reports whether frames move through a device context.
func (s *Selector) HardwareEnabled() bool {
	return s.dev != nil
}

// DecodeConvert takes the codec-native frame produced by the backend and
// returns a host-resident frame in dst format.
func (s *Selector) DecodeConvert(native *backend.Frame, dst media.PixelFormat) (*backend.Frame, error) {
	if s.dev == nil {
		out, err := s.host.Convert(native, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: host convert %v to %v: %w", ErrConversion, native.PixelFormat, dst, err)
		}
		return out, nil
	}

	if s.convertOnDevice {
		converted, err := s.dev.Convert(native, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: device convert %v to %v: %w", ErrConversion, native.PixelFormat, dst, err)
		}
		if err := s.dev.TransferFromDevice(converted); err != nil {
			return nil, fmt.Errorf("%w: transfer off device: %w", ErrHardware, err)
		}
		return converted, nil
	}

	if err := s.dev.TransferFromDevice(native); err != nil {
		return nil, fmt.Errorf("%w: transfer off device: %w", ErrHardware, err)
	}
	out, err := s.host.Convert(native, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: host convert %v to %v: %w", ErrConversion, native.PixelFormat, dst, err)
	}
	return out, nil
}

// EncodeConvert is the mirror path: a host-resident working frame is
// converted to the codec-native format and, when hardware is enabled,
// transferred onto the device ready for submission.
func (s *Selector) EncodeConvert(src *backend.Frame, dst media.PixelFormat) (*backend.Frame, error) {
	if s.dev == nil {
		out, err := s.host.Convert(src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: host convert %v to %v: %w", ErrConversion, src.PixelFormat, dst, err)
		}
		return out, nil
	}

	if s.convertOnDevice {
		if err := s.dev.TransferToDevice(src); err != nil {
			return nil, fmt.Errorf("%w: transfer onto device: %w", ErrHardware, err)
		}
		out, err := s.dev.Convert(src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: device convert %v to %v: %w", ErrConversion, src.PixelFormat, dst, err)
		}
		return out, nil
	}

	out, err := s.host.Convert(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: host convert %v to %v: %w", ErrConversion, src.PixelFormat, dst, err)
	}
	if err := s.dev.TransferToDevice(out); err != nil {
		return nil, fmt.Errorf("%w: transfer onto device: %w", ErrHardware, err)
	}
	return out, nil
}

// Release frees the device context, if any. Safe to call when hardware is
// disabled and safe to call twice.
func (s *Selector) Release() error {
	if s.dev == nil {
		return nil
	}
	dev := s.dev
	s.dev = nil
	if err := dev.Release(); err != nil {
		return fmt.Errorf("%w: release context: %w", ErrHardware, err)
	}
	return nil
}

// Passthrough is the identity host converter: it accepts frames already in
// the destination format and rejects everything else. Real colorspace math
// is an external capability; Passthrough covers backends that negotiate
// the working format directly.
type Passthrough struct{}

func (Passthrough) Convert(src *backend.Frame, dst media.PixelFormat) (*backend.Frame, error) {
	if src.PixelFormat != dst {
		return nil, fmt.Errorf("passthrough converter: cannot convert %v to %v", src.PixelFormat, dst)
	}
	return src, nil
}
