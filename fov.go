package moosez

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cropper limits the field of view of a model's input to the region another
// model segmented. The voxel work is done by an external command built from
// a template with the placeholders {image}, {mask}, {label}, {output} and
// {largest_component}.
type cropper struct {
	runner   CommandRunner
	template string
	logger   Logger
}

func newCropper(runner CommandRunner, template string, logger Logger) *cropper {
	return &cropper{runner: runner, template: strings.TrimSpace(template), logger: orNop(logger)}
}

// cropCommand expands the template for one image.
func (c *cropper) cropCommand(image, mask, output string, limit FOVLimit) (Command, error) {
	largest := "false"
	if limit.LargestComponentOnly {
		largest = "true"
	}
	replacer := strings.NewReplacer(
		"{image}", image,
		"{mask}", mask,
		"{label}", strconv.Itoa(limit.LabelIntensityToCropFrom),
		"{output}", output,
		"{largest_component}", largest,
	)

	// Substitute per word so paths with spaces stay one argument.
	words := splitCommandLine(c.template)
	if len(words) == 0 {
		return Command{}, fmt.Errorf("%w: empty crop command", ErrCropFailed)
	}
	for i, w := range words {
		words[i] = replacer.Replace(w)
	}
	bin, err := c.runner.LookPath(words[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s not found: %v", ErrCropFailed, words[0], err)
	}
	return Command{Path: bin, Args: words[1:]}, nil
}

// crop crops every file of inputDir to the label region of mask and writes
// the results to outDir, keeping file names. It returns the directory the
// next model should read from; with no crop command configured that is
// inputDir itself.
func (c *cropper) crop(ctx context.Context, model Model, subject, inputDir, mask, outDir string) (string, error) {
	limit := model.LimitFOV
	if limit == nil {
		return inputDir, nil
	}
	if c.template == "" {
		c.logger.Warn("no crop command configured, running on the full field of view",
			"model", model.Name, "subject", subject, "source", limit.ModelToCropFrom)
		return inputDir, nil
	}
	if _, err := os.Stat(mask); err != nil {
		return "", fmt.Errorf("%w: %s: segmentation from %s missing: %v", ErrCropFailed, subject, limit.ModelToCropFrom, err)
	}

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		image := filepath.Join(inputDir, e.Name())
		output := filepath.Join(outDir, e.Name())
		cmd, err := c.cropCommand(image, mask, output, *limit)
		if err != nil {
			return "", err
		}
		c.logger.Info("cropping field of view", "model", model.Name, "subject", subject, "image", e.Name(), "label", limit.LabelIntensityToCropFrom)
		if err := c.runner.Run(ctx, cmd); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %s: %v", ErrCropFailed, e.Name(), err)
		}
		if _, err := os.Stat(output); err != nil {
			return "", fmt.Errorf("%w: %s: no output written", ErrCropFailed, e.Name())
		}
	}
	return outDir, nil
}
