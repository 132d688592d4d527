package moosez

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultConverter is the DICOM to NIfTI converter binary.
const DefaultConverter = "dcm2niix"

// converter turns DICOM series into compressed NIfTI volumes with an
// external tool.
type converter struct {
	runner CommandRunner
	binary string
	logger Logger
}

func newConverter(runner CommandRunner, binary string, logger Logger) *converter {
	if binary == "" {
		binary = DefaultConverter
	}
	return &converter{runner: runner, binary: binary, logger: orNop(logger)}
}

// convert writes img as <outDir>/<name>.nii.gz and returns the new image.
// Non-DICOM images are returned unchanged.
func (c *converter) convert(ctx context.Context, img Image, outDir, name string) (Image, error) {
	if img.Format != FormatDICOM {
		return img, nil
	}

	bin, err := c.runner.LookPath(c.binary)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %s not found: %v", ErrConversionFailed, c.binary, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	c.logger.Info("converting DICOM series", "series", img.Path, "modality", img.Modality)
	err = c.runner.Run(ctx, Command{
		Path: bin,
		Args: []string{"-z", "y", "-b", "n", "-f", name, "-o", outDir, img.Path},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Image{}, ctx.Err()
		}
		return Image{}, fmt.Errorf("%w: %s: %v", ErrConversionFailed, img.Path, err)
	}

	out, err := convertedVolume(outDir, name)
	if err != nil {
		return Image{}, err
	}
	return Image{Modality: img.Modality, Path: out, Format: FormatNIfTI, Ext: ".nii.gz"}, nil
}

// convertedVolume finds the volume the converter produced. dcm2niix adds
// suffixes such as "_e2" or "a" when a series splits, in which case the
// first file in name order is used.
func convertedVolume(outDir, name string) (string, error) {
	exact := filepath.Join(outDir, name+".nii.gz")
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}
	matches, err := filepath.Glob(filepath.Join(outDir, name+"*.nii.gz"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no NIfTI output for %s", ErrConversionFailed, name)
	}
	sort.Strings(matches)
	return matches[0], nil
}
