package spectral

import "errors"

var (
	// ErrSliceNotFound is returned for a slice id the store does not hold.
	ErrSliceNotFound = errors.New("slice not found")

	// ErrInvalidRange is returned when low > high or a bound is NaN.
	ErrInvalidRange = errors.New("invalid m/z range")

	// ErrPixelOutOfBounds is returned for a pixel index outside [0, pixelCount).
	ErrPixelOutOfBounds = errors.New("pixel out of bounds")

	// ErrNoAverageSpectrum is returned when a slice lacks the requested average spectrum.
	ErrNoAverageSpectrum = errors.New("average spectrum not available")

	// ErrInvalidSlice is returned by Prepare when the loaded arrays break an invariant.
	ErrInvalidSlice = errors.New("invalid slice arrays")
)
