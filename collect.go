package moosez

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ResultDir is the folder a run leaves in a subject folder.
func ResultDir(subjectDir, model, stamp string) string {
	return filepath.Join(subjectDir, WorkspacePrefix+model+"-"+stamp)
}

// labelsFile describes the label map next to a segmentation.
type labelsFile struct {
	Model        string         `json:"model"`
	Segmentation string         `json:"segmentation"`
	Labels       map[int]string `json:"labels"`
}

// collect moves the segmentation the engine wrote for subject into the
// subject folder and writes labels.json beside it. It returns the path of
// the relocated segmentation.
func collect(model Model, subject Subject, outputDir, stamp string) (string, error) {
	src := segmentationPath(outputDir, subject.Name)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%w: %s: engine wrote no segmentation: %v", ErrPredictionFailed, subject.Name, err)
	}

	segDir := filepath.Join(ResultDir(subject.Dir, model.Name, stamp), "segmentations")
	if err := os.MkdirAll(segDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	name := model.MultilabelPrefix + subject.Name + ".nii.gz"
	dst := filepath.Join(segDir, name)
	if err := moveFile(src, dst); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(labelsFile{
		Model:        model.Name,
		Segmentation: name,
		Labels:       model.OrganIndices,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding labels: %w", err)
	}
	if err := os.WriteFile(filepath.Join(segDir, "labels.json"), data, 0644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return dst, nil
}
