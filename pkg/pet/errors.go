package pet

import "errors"

// Error taxonomy of the model core. All failures are immediate and fatal to
// the current call; there is no retry or partial output.
var (
	// ErrUnsupportedTarget is a configuration error: the model only
	// supports scalar and Cartesian tensor targets.
	ErrUnsupportedTarget = errors.New("spherical tensor targets are not supported")

	// ErrUnsupportedDType is a configuration error raised at export when
	// the model's precision is outside the supported set.
	ErrUnsupportedDType = errors.New("unsupported numeric precision")

	// ErrNewSpecies is an incompatibility error: the species set is frozen
	// after first construction and restart cannot extend it.
	ErrNewSpecies = errors.New("adding new atomic types is not supported")

	// ErrDeviceMismatch is raised when the systems of one forward call do
	// not share a single device.
	ErrDeviceMismatch = errors.New("all systems must live on the same device")
)
