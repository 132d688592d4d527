package moosez

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrUnknownModel", ErrUnknownModel, "moosez: unknown model"},
		{"ErrNoWeights", ErrNoWeights, "moosez: model has no downloadable weights"},
		{"ErrNotInstalled", ErrNotInstalled, "moosez: model not installed"},
		{"ErrAlreadyInstalled", ErrAlreadyInstalled, "moosez: model already installed"},
		{"ErrHashMismatch", ErrHashMismatch, "moosez: hash verification failed"},
		{"ErrNetworkError", ErrNetworkError, "moosez: network error"},
		{"ErrDownloadError", ErrDownloadError, "moosez: download failed"},
		{"ErrStorageError", ErrStorageError, "moosez: storage error"},
		{"ErrInvalidArchive", ErrInvalidArchive, "moosez: invalid model archive"},
		{"ErrInvalidCatalog", ErrInvalidCatalog, "moosez: invalid model catalog"},
		{"ErrDependencyCycle", ErrDependencyCycle, "moosez: field-of-view dependency cycle"},
		{"ErrNoSubjects", ErrNoSubjects, "moosez: no compliant subjects found"},
		{"ErrNonCompliant", ErrNonCompliant, "moosez: subject is not compliant"},
		{"ErrEngineNotFound", ErrEngineNotFound, "moosez: segmentation engine not found"},
		{"ErrPredictionFailed", ErrPredictionFailed, "moosez: prediction failed"},
		{"ErrConversionFailed", ErrConversionFailed, "moosez: DICOM conversion failed"},
		{"ErrCropFailed", ErrCropFailed, "moosez: field-of-view crop failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()

			if !strings.HasPrefix(got, "moosez: ") {
				t.Errorf("%s: message %q does not have 'moosez: ' prefix", tt.name, got)
			}
			if got != tt.wantMsg {
				t.Errorf("%s: got %q, want %q", tt.name, got, tt.wantMsg)
			}
		})
	}
}

func TestErrorsIs(t *testing.T) {
	sentinels := []error{
		ErrUnknownModel, ErrNoWeights, ErrNotInstalled, ErrAlreadyInstalled,
		ErrHashMismatch, ErrNetworkError, ErrDownloadError, ErrStorageError,
		ErrInvalidArchive, ErrInvalidCatalog, ErrDependencyCycle, ErrNoSubjects,
		ErrNonCompliant, ErrEngineNotFound, ErrPredictionFailed,
		ErrConversionFailed, ErrCropFailed,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("operation failed: %w", sentinel)
			if !errors.Is(wrapped, sentinel) {
				t.Errorf("errors.Is(wrapped, %v) = false, want true", sentinel)
			}

			doubleWrapped := fmt.Errorf("outer context: %w", wrapped)
			if !errors.Is(doubleWrapped, sentinel) {
				t.Errorf("errors.Is(doubleWrapped, %v) = false, want true", sentinel)
			}
		})
	}
}

func TestPredictionError(t *testing.T) {
	cause := &ExitError{Command: "nnUNetv2_predict", Code: 3, Stderr: "CUDA out of memory"}
	err := fmt.Errorf("subject s01: %w", &PredictionError{
		Model:    "clin_ct_organs",
		Subject:  "s01",
		ExitCode: 3,
		Err:      cause,
	})

	if !errors.Is(err, ErrPredictionFailed) {
		t.Error("errors.Is(err, ErrPredictionFailed) = false, want true")
	}

	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code != 3 {
		t.Errorf("errors.As(err, *ExitError) = %v, want code 3", ee)
	}

	var pe *PredictionError
	if !errors.As(err, &pe) {
		t.Fatal("errors.As(err, *PredictionError) = false, want true")
	}
	for _, want := range []string{"clin_ct_organs", "s01", "exit code 3", "CUDA out of memory"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}
