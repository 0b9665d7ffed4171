package models

import "errors"

var (
	// ErrDetectionFailure means the image could not be decoded or analysed.
	ErrDetectionFailure = errors.New("face detection failed")
	// ErrStoreUnavailable wraps connectivity failures of either store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNoFaceDetected is only an error for single-face registration.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrMultipleFacesDetected rejects a registration image with more than one face.
	ErrMultipleFacesDetected = errors.New("multiple faces detected")

	ErrNotFound          = errors.New("not found")
	ErrImageNotAwaiting  = errors.New("image is not awaiting processing")
	ErrReferenceNotFound = errors.New("no face reference registered")
)
