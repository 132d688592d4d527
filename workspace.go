package moosez

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// engineFileEnding is the file ending of every catalog dataset; nnU-Net
// ignores input files with any other ending.
const engineFileEnding = ".nii.gz"

// StampLayout formats the timestamp in workspace and result folder names.
const StampLayout = "2006-01-02-15-04-05"

// Workspace is the scratch tree one run works in:
//
//	<main>/moosez-<model>-<stamp>/<subject>/input
//	<main>/moosez-<model>-<stamp>/<subject>/output/<model>
//
// Crop sources whose modalities differ from the requested model get their
// own input-<model> folder; cropped images go to cropped-<model>.
//
// Source images are linked or copied in; originals are never moved.
type Workspace struct {
	Root  string
	Model string
	Stamp string
}

// NewWorkspace creates the workspace root for a run of model started at now.
func NewWorkspace(mainDir, model string, now time.Time) (*Workspace, error) {
	stamp := now.Format(StampLayout)
	root := filepath.Join(mainDir, WorkspacePrefix+model+"-"+stamp)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating workspace: %v", ErrStorageError, err)
	}
	return &Workspace{Root: root, Model: model, Stamp: stamp}, nil
}

// SubjectDir returns the workspace folder of one subject.
func (w *Workspace) SubjectDir(subject string) string {
	return filepath.Join(w.Root, subject)
}

// InputDir is where the engine reads the staged images of subject.
func (w *Workspace) InputDir(subject string) string {
	return filepath.Join(w.SubjectDir(subject), "input")
}

// SourceInputDir is the input folder of a crop source model.
func (w *Workspace) SourceInputDir(subject, model string) string {
	return filepath.Join(w.SubjectDir(subject), "input-"+model)
}

// CroppedDir holds the cropped images fed to model.
func (w *Workspace) CroppedDir(subject, model string) string {
	return filepath.Join(w.SubjectDir(subject), "cropped-"+model)
}

// OutputDir is where model writes its segmentation of subject.
func (w *Workspace) OutputDir(subject, model string) string {
	return filepath.Join(w.SubjectDir(subject), "output", model)
}

// ConvertedDir holds NIfTI volumes converted from DICOM series.
func (w *Workspace) ConvertedDir(subject string) string {
	return filepath.Join(w.SubjectDir(subject), "converted")
}

// RawDir and PreprocessedDir back the engine's nnUNet_raw and
// nnUNet_preprocessed variables, which it requires but never writes to
// during inference.
func (w *Workspace) RawDir() string          { return filepath.Join(w.Root, ".nnunet_raw") }
func (w *Workspace) PreprocessedDir() string { return filepath.Join(w.Root, ".nnunet_preprocessed") }

// ChannelFileName is the nnU-Net input name of channel for subject.
func ChannelFileName(subject string, channel int, ext string) string {
	return fmt.Sprintf("%s_%04d%s", subject, channel, ext)
}

// Stage places the selected image of every modality into the subject's
// input folder, named by the modality's position in modalities. Every
// channel is staged as .nii.gz; plain .nii files are compressed on the way.
// It returns the staged paths in channel order.
func (w *Workspace) Stage(subject string, selected map[string]Image, modalities []string) ([]string, error) {
	return w.StageInto(w.InputDir(subject), subject, selected, modalities)
}

// StageInto is Stage with an explicit destination folder.
func (w *Workspace) StageInto(in, subject string, selected map[string]Image, modalities []string) ([]string, error) {
	if err := os.MkdirAll(in, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := os.MkdirAll(filepath.Join(w.SubjectDir(subject), "output"), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	staged := make([]string, 0, len(modalities))
	for channel, modality := range modalities {
		img, ok := selected[normaliseModality(modality)]
		if !ok {
			return nil, fmt.Errorf("%w: %s: no %s image", ErrNonCompliant, subject, modality)
		}
		dst := filepath.Join(in, ChannelFileName(subject, channel, engineFileEnding))
		var err error
		switch {
		case img.Format == FormatDICOM:
			return nil, fmt.Errorf("%w: %s: %s image must be converted before staging", ErrStorageError, subject, modality)
		case img.Format != FormatNIfTI:
			return nil, fmt.Errorf("%w: %s: %s image is %s, not NIfTI", ErrNonCompliant, subject, modality, img.Format)
		case img.Ext == ".nii":
			err = gzipFile(img.Path, dst)
		default:
			err = linkOrCopy(img.Path, dst)
		}
		if err != nil {
			return nil, err
		}
		staged = append(staged, dst)
	}
	return staged, nil
}

// Cleanup removes the workspace.
func (w *Workspace) Cleanup() error {
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("%w: removing workspace: %v", ErrStorageError, err)
	}
	return nil
}

// linkOrCopy hard-links src to dst, copying when linking is not possible
// (different devices, unsupported filesystem).
func linkOrCopy(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

// moveFile renames src to dst, falling back to copy and remove across
// devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: copying %s: %v", ErrStorageError, src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

// gzipFile writes a gzip-compressed copy of src to dst.
func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: compressing %s: %v", ErrStorageError, src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}
