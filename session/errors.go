package session

import (
	"errors"

	"github.com/framepipe/framepipe/hwaccel"
)

// Sentinel errors for every failure kind a session can surface. These are
// mutually exclusive and enable callers to dispatch programmatically with
// errors.Is. Wrapped context (target, operation) rides on top via %w.
var (
	// ErrSessionUnavailable marks an operation on an unopened or closed
	// session. The operation performs no backend calls.
	ErrSessionUnavailable = errors.New("session: session unavailable")

	// ErrBackendReceive marks a failure pulling output from the codec.
	ErrBackendReceive = errors.New("session: backend receive failure")

	// ErrBackendSend marks a failure feeding input to the codec.
	ErrBackendSend = errors.New("session: backend send failure")

	// ErrTarget marks an open/read/write failure on the target address.
	ErrTarget = errors.New("session: target I/O failure")

	// ErrStreamEnd signals decode exhaustion. It is an expected terminal
	// signal, not a fault, and is never logged as an error.
	ErrStreamEnd = errors.New("session: end of stream")

	// ErrFrameAllocation marks a frame or packet buffer setup failure.
	ErrFrameAllocation = errors.New("session: frame allocation failure")

	// ErrContainer marks a container open/negotiation failure.
	ErrContainer = errors.New("session: container negotiation failure")

	// ErrCodec marks a codec negotiation failure.
	ErrCodec = errors.New("session: codec negotiation failure")

	// ErrSharedMemory marks a shared-memory segment failure.
	ErrSharedMemory = errors.New("session: shared memory failure")

	// ErrInvalidParams marks rejected codec parameters.
	ErrInvalidParams = errors.New("session: invalid codec parameters")
)

// Conversion and device failures keep the hwaccel identities so one
// errors.Is check works no matter which layer reported the failure.
var (
	ErrPixelConversion      = hwaccel.ErrConversion
	ErrHardwareAcceleration = hwaccel.ErrHardware
)
