package tasks

import "errors"

var (
	// ErrInvalidInput covers bad parameters and empty inputs.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInsufficientCorrespondences means fewer than four matches survived for a frame pair.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrEstimationFailure means the transform solver could not produce a model.
	ErrEstimationFailure = errors.New("transform estimation failed")
	// ErrDimensionMismatch means frames of different sizes were combined.
	ErrDimensionMismatch = errors.New("frame dimensions differ")
	// ErrIO wraps decode, encode and file discovery failures.
	ErrIO = errors.New("i/o failure")
)
