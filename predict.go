package moosez

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// DefaultEngine is the nnU-Net v2 inference entry point.
const DefaultEngine = "nnUNetv2_predict"

// Devices accepted by the engine.
const (
	DeviceCUDA = "cuda"
	DeviceMPS  = "mps"
	DeviceCPU  = "cpu"
)

// engine invokes the external segmentation engine.
type engine struct {
	runner     CommandRunner
	binary     string
	device     string
	resultsDir string
	logger     Logger
}

// predictJob is one engine invocation.
type predictJob struct {
	model   Model
	subject string
	input   string
	output  string
	ws      *Workspace
}

// command builds the engine invocation for job.
func (e *engine) command(bin string, job predictJob) (Command, error) {
	id, err := job.model.DatasetID()
	if err != nil {
		return Command{}, err
	}
	args := []string{
		"-i", job.input,
		"-o", job.output,
		"-d", strconv.Itoa(id),
		"-c", job.model.Configuration,
		"-tr", job.model.Trainer,
		"-p", job.model.Planner,
		"-f", "all",
		"-device", e.device,
	}
	env := []string{
		"nnUNet_results=" + e.resultsDir,
		"nnUNet_raw=" + job.ws.RawDir(),
		"nnUNet_preprocessed=" + job.ws.PreprocessedDir(),
	}
	return Command{Path: bin, Args: args, Env: env}, nil
}

// predict runs the engine for one subject and model. A non-zero exit is
// returned as *PredictionError carrying the engine's exit code.
func (e *engine) predict(ctx context.Context, job predictJob) error {
	bin, err := e.runner.LookPath(e.binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEngineNotFound, e.binary, err)
	}
	cmd, err := e.command(bin, job)
	if err != nil {
		return err
	}

	e.logger.Info("running prediction", "model", job.model.Name, "subject", job.subject, "device", e.device)
	e.logger.Debug("engine command", "cmd", cmd.String(), "env", strings.Join(cmd.Env, " "))
	if err := e.runner.Run(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &PredictionError{
			Model:    job.model.Name,
			Subject:  job.subject,
			ExitCode: exitCode(err),
			Err:      err,
		}
	}
	return nil
}

// DetectDevice picks the inference device: cuda when nvidia-smi lists a
// GPU, mps on Apple Silicon, cpu otherwise.
func DetectDevice(ctx context.Context, runner CommandRunner) string {
	if bin, err := runner.LookPath("nvidia-smi"); err == nil {
		var out strings.Builder
		err := runner.Run(ctx, Command{Path: bin, Args: []string{"-L"}, Stdout: &out})
		if err == nil && strings.Contains(out.String(), "GPU") {
			return DeviceCUDA
		}
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return DeviceMPS
	}
	return DeviceCPU
}

// ValidDevice reports whether d is a device the engine accepts.
func ValidDevice(d string) error {
	switch d {
	case DeviceCUDA, DeviceMPS, DeviceCPU:
		return nil
	}
	return errors.New("device must be one of cuda, mps or cpu")
}
