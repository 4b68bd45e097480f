package tap

import (
	"errors"
	"fmt"

	"github.com/Boettner-eric/FineTune/coreaudio"
)

// Lifecycle failures are typed so callers can react per category. None of
// them are fatal: activation failures abort only the controller being
// created, crossfade failures force a safe fallback.
var (
	// ErrTapCreationFailed means the process tap could not be created.
	ErrTapCreationFailed = errors.New("process tap creation failed")

	// ErrAggregateCreationFailed means the aggregate device wrapping the tap
	// could not be created or brought up.
	ErrAggregateCreationFailed = errors.New("aggregate device creation failed")

	// ErrNoTapDescription means the tap did not supply the description
	// needed to configure the aggregate device.
	ErrNoTapDescription = errors.New("tap supplied no description")

	// ErrDeviceNotReady means the aggregate device did not become ready
	// within the activation timeout.
	ErrDeviceNotReady = errors.New("device did not become ready")

	// ErrCrossfadeTimeout means an in-progress crossfade did not complete
	// within its allotted window.
	ErrCrossfadeTimeout = errors.New("crossfade did not complete in time")

	// ErrSecondaryTapFailed means the incoming path of a crossfade became
	// invalid before the transition completed.
	ErrSecondaryTapFailed = errors.New("incoming crossfade path failed")

	// ErrInvalidated means the controller has been invalidated and cannot be
	// reused.
	ErrInvalidated = errors.New("controller is invalidated")
)

// StatusError carries the hardware status code of a failed HAL call.
type StatusError struct {
	Op     string
	Status coreaudio.OSStatus
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Err, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}
