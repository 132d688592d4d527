package moosez

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

func testEngine(runner CommandRunner) *engine {
	return &engine{
		runner:     runner,
		binary:     DefaultEngine,
		device:     DeviceCPU,
		resultsDir: "/models/nnunet_trained_models",
		logger:     nopLogger{},
	}
}

func testJob(t *testing.T) predictJob {
	t.Helper()
	m, err := DefaultCatalog().Lookup("clin_ct_organs")
	if err != nil {
		t.Fatal(err)
	}
	return predictJob{
		model:   m,
		subject: "s01",
		input:   "/main/ws/s01/input",
		output:  "/main/ws/s01/output/clin_ct_organs",
		ws:      &Workspace{Root: "/main/ws"},
	}
}

func TestEngineCommand(t *testing.T) {
	e := testEngine(&fakeRunner{})

	cmd, err := e.command("/usr/bin/nnUNetv2_predict", testJob(t))
	if err != nil {
		t.Fatalf("command() error = %v", err)
	}

	wantArgs := "-i /main/ws/s01/input -o /main/ws/s01/output/clin_ct_organs -d 123 -c 3d_fullres " +
		"-tr nnUNetTrainer_2000epochs_NoMirroring -p nnUNetPlans -f all -device cpu"
	if got := strings.Join(cmd.Args, " "); got != wantArgs {
		t.Errorf("Args = %q\nwant   %q", got, wantArgs)
	}

	env := strings.Join(cmd.Env, "\n")
	for _, want := range []string{
		"nnUNet_results=/models/nnunet_trained_models",
		"nnUNet_raw=" + (&Workspace{Root: "/main/ws"}).RawDir(),
		"nnUNet_preprocessed=" + (&Workspace{Root: "/main/ws"}).PreprocessedDir(),
	} {
		if !strings.Contains(env, want) {
			t.Errorf("Env missing %q: %v", want, cmd.Env)
		}
	}

	t.Run("model without dataset id", func(t *testing.T) {
		job := testJob(t)
		job.model.Directory = "Organs"
		if _, err := e.command("x", job); !errors.Is(err, ErrInvalidCatalog) {
			t.Errorf("command() error = %v, want ErrInvalidCatalog", err)
		}
	})
}

func TestPredict(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		runner := &fakeRunner{}
		if err := testEngine(runner).predict(context.Background(), testJob(t)); err != nil {
			t.Fatalf("predict() error = %v", err)
		}
		if len(runner.commands) != 1 || runner.commands[0].Path != "/usr/bin/nnUNetv2_predict" {
			t.Errorf("commands = %+v", runner.commands)
		}
	})

	t.Run("engine not installed", func(t *testing.T) {
		runner := &fakeRunner{missing: map[string]bool{DefaultEngine: true}}
		err := testEngine(runner).predict(context.Background(), testJob(t))
		if !errors.Is(err, ErrEngineNotFound) {
			t.Errorf("predict() error = %v, want ErrEngineNotFound", err)
		}
	})

	t.Run("engine fails", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, c Command) error {
			return &ExitError{Command: c.Path, Code: 2, Stderr: "RuntimeError: CUDA error"}
		}}
		err := testEngine(runner).predict(context.Background(), testJob(t))

		var pe *PredictionError
		if !errors.As(err, &pe) {
			t.Fatalf("predict() error = %v, want *PredictionError", err)
		}
		if pe.ExitCode != 2 || pe.Model != "clin_ct_organs" || pe.Subject != "s01" {
			t.Errorf("PredictionError = %+v", pe)
		}
		if !errors.Is(err, ErrPredictionFailed) {
			t.Error("PredictionError should match ErrPredictionFailed")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		runner := &fakeRunner{run: func(ctx context.Context, c Command) error {
			cancel()
			return errors.New("signal: killed")
		}}
		err := testEngine(runner).predict(ctx, testJob(t))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("predict() error = %v, want context.Canceled", err)
		}
	})
}

func TestDetectDevice(t *testing.T) {
	fallback := DeviceCPU
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		fallback = DeviceMPS
	}

	t.Run("GPU listed", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, c Command) error {
			_, err := c.Stdout.Write([]byte("GPU 0: NVIDIA A100-SXM4-40GB (UUID: GPU-1234)\n"))
			return err
		}}
		if got := DetectDevice(context.Background(), runner); got != DeviceCUDA {
			t.Errorf("DetectDevice() = %q, want cuda", got)
		}
		if got := strings.Join(runner.commands[0].Args, " "); got != "-L" {
			t.Errorf("nvidia-smi args = %q, want -L", got)
		}
	})

	t.Run("nvidia-smi fails", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, c Command) error {
			return &ExitError{Command: c.Path, Code: 9}
		}}
		if got := DetectDevice(context.Background(), runner); got != fallback {
			t.Errorf("DetectDevice() = %q, want %q", got, fallback)
		}
	})

	t.Run("no nvidia-smi", func(t *testing.T) {
		runner := &fakeRunner{missing: map[string]bool{"nvidia-smi": true}}
		if got := DetectDevice(context.Background(), runner); got != fallback {
			t.Errorf("DetectDevice() = %q, want %q", got, fallback)
		}
	})
}

func TestValidDevice(t *testing.T) {
	for _, d := range []string{DeviceCUDA, DeviceMPS, DeviceCPU} {
		if err := ValidDevice(d); err != nil {
			t.Errorf("ValidDevice(%q) error = %v", d, err)
		}
	}
	for _, d := range []string{"", "gpu", "CUDA"} {
		if err := ValidDevice(d); err == nil {
			t.Errorf("ValidDevice(%q) should fail", d)
		}
	}
}
