// Command moosez segments directories of PET, CT and MR studies with
// pretrained nnU-Net models.
//
// Configuration:
//   - MOOSEZ_MODELS_DIR: override for the model weights directory (optional)
//   - <user config dir>/moosez/config.yaml: default settings (optional)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/enhance-pet/moosez"
)

// CLI exit codes for standardized error reporting. A failed prediction
// exits with the engine's own exit code when it is known.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments.
	ExitInvalidArgs = 2

	// ExitModelNotFound indicates the model is not in the catalog or has no weights.
	ExitModelNotFound = 3

	// ExitNotInstalled indicates the model is not installed locally.
	ExitNotInstalled = 4

	// ExitNetworkError indicates a network or connection failure.
	ExitNetworkError = 5

	// ExitHashMismatch indicates hash verification failed.
	ExitHashMismatch = 6

	// ExitStorageError indicates a filesystem operation failed.
	ExitStorageError = 7

	// ExitNoSubjects indicates no compliant subject folder was found.
	ExitNoSubjects = 8

	// ExitEngineNotFound indicates the segmentation engine is not installed.
	ExitEngineNotFound = 9

	// ExitPredictionFailed indicates the engine failed without an exit code.
	ExitPredictionFailed = 10
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := moosez.NewCommand(moosez.Config{AppName: moosez.DefaultAppName})
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var predErr *moosez.PredictionError
	if errors.As(err, &predErr) && predErr.ExitCode > 0 {
		return predErr.ExitCode
	}

	switch {
	case errors.Is(err, moosez.ErrUnknownModel), errors.Is(err, moosez.ErrNoWeights):
		return ExitModelNotFound
	case errors.Is(err, moosez.ErrNotInstalled):
		return ExitNotInstalled
	case errors.Is(err, moosez.ErrNetworkError), errors.Is(err, moosez.ErrDownloadError):
		return ExitNetworkError
	case errors.Is(err, moosez.ErrHashMismatch):
		return ExitHashMismatch
	case errors.Is(err, moosez.ErrStorageError), errors.Is(err, moosez.ErrInvalidArchive):
		return ExitStorageError
	case errors.Is(err, moosez.ErrInvalidCatalog):
		return ExitInvalidArgs
	case errors.Is(err, moosez.ErrNoSubjects):
		return ExitNoSubjects
	case errors.Is(err, moosez.ErrEngineNotFound):
		return ExitEngineNotFound
	case errors.Is(err, moosez.ErrPredictionFailed):
		return ExitPredictionFailed
	default:
		return ExitGeneralError
	}
}
