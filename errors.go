package moosez

import (
	"errors"
	"fmt"
)

// Sentinel errors for model management and segmentation runs.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrUnknownModel indicates the model name is not in the catalog.
	ErrUnknownModel = errors.New("moosez: unknown model")

	// ErrNoWeights indicates the model has no downloadable weights.
	ErrNoWeights = errors.New("moosez: model has no downloadable weights")

	// ErrNotInstalled indicates the model weights are not installed locally.
	ErrNotInstalled = errors.New("moosez: model not installed")

	// ErrAlreadyInstalled indicates the model weights are already installed.
	// Returned by Pull when the model exists and WithForce() is not specified.
	ErrAlreadyInstalled = errors.New("moosez: model already installed")

	// ErrHashMismatch indicates a downloaded archive failed hash verification.
	ErrHashMismatch = errors.New("moosez: hash verification failed")

	// ErrNetworkError indicates a network or connection failure.
	ErrNetworkError = errors.New("moosez: network error")

	// ErrDownloadError indicates the server answered with an unusable response.
	ErrDownloadError = errors.New("moosez: download failed")

	// ErrStorageError indicates a filesystem operation failed.
	ErrStorageError = errors.New("moosez: storage error")

	// ErrInvalidArchive indicates the model archive could not be extracted.
	ErrInvalidArchive = errors.New("moosez: invalid model archive")

	// ErrInvalidCatalog indicates a catalog file could not be parsed or is inconsistent.
	ErrInvalidCatalog = errors.New("moosez: invalid model catalog")

	// ErrDependencyCycle indicates field-of-view crop sources form a cycle.
	ErrDependencyCycle = errors.New("moosez: field-of-view dependency cycle")

	// ErrNoSubjects indicates no usable subject folders were found.
	ErrNoSubjects = errors.New("moosez: no compliant subjects found")

	// ErrNonCompliant indicates a subject lacks the images a model expects.
	ErrNonCompliant = errors.New("moosez: subject is not compliant")

	// ErrEngineNotFound indicates the segmentation engine binary is not on PATH.
	ErrEngineNotFound = errors.New("moosez: segmentation engine not found")

	// ErrPredictionFailed indicates the segmentation engine exited unsuccessfully.
	ErrPredictionFailed = errors.New("moosez: prediction failed")

	// ErrConversionFailed indicates a DICOM series could not be converted.
	ErrConversionFailed = errors.New("moosez: DICOM conversion failed")

	// ErrCropFailed indicates the field-of-view crop command failed.
	ErrCropFailed = errors.New("moosez: field-of-view crop failed")
)

// PredictionError reports a failed engine invocation for one subject.
type PredictionError struct {
	Model    string
	Subject  string
	ExitCode int
	Err      error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("%s: model %s, subject %s: exit code %d: %v",
		ErrPredictionFailed, e.Model, e.Subject, e.ExitCode, e.Err)
}

// Unwrap lets errors.Is match both ErrPredictionFailed and the cause.
func (e *PredictionError) Unwrap() []error {
	return []error{ErrPredictionFailed, e.Err}
}
