package moosez

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Image formats recognised in subject folders.
const (
	FormatNIfTI = "nifti"
	FormatMHA   = "mha"
	FormatNRRD  = "nrrd"
	FormatDICOM = "dicom"
)

// WorkspacePrefix starts the name of every directory moosez creates inside
// the main directory and inside subject folders.
const WorkspacePrefix = "moosez-"

// imageExtensions maps file suffixes to formats, longest suffix first.
var imageExtensions = []struct {
	suffix string
	format string
}{
	{".nii.gz", FormatNIfTI},
	{".nii", FormatNIfTI},
	{".mha", FormatMHA},
	{".nrrd", FormatNRRD},
}

// modalityAliases normalises modality prefixes found in file names.
var modalityAliases = map[string]string{
	"CT":  "CT",
	"PT":  "PT",
	"PET": "PT",
	"MR":  "MR",
	"MRI": "MR",
}

// Image is one input volume of a subject.
type Image struct {
	// Modality is the normalised modality tag (CT, PT or MR).
	Modality string `json:"modality"`

	// Path is the file, or for DICOM the series directory.
	Path string `json:"path"`

	// Format is one of FormatNIfTI, FormatMHA, FormatNRRD or FormatDICOM.
	Format string `json:"format"`

	// Ext is the file extension including the dot, e.g. ".nii.gz".
	// Empty for DICOM series.
	Ext string `json:"ext,omitempty"`
}

// Subject is a folder holding the images of one study.
type Subject struct {
	Name   string  `json:"name"`
	Dir    string  `json:"dir"`
	Images []Image `json:"images"`
}

// DiscoverSubjects returns the subject folders of mainDir sorted by name.
// Hidden directories and moosez workspaces are skipped.
func DiscoverSubjects(mainDir string) ([]Subject, error) {
	entries, err := os.ReadDir(mainDir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", mainDir, err)
	}

	var subjects []Subject
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), WorkspacePrefix) {
			continue
		}
		s, err := ScanSubject(filepath.Join(mainDir, e.Name()))
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i].Name < subjects[j].Name })
	return subjects, nil
}

// ScanSubject lists the images in one subject folder. Files are matched by
// a modality prefix ("CT_", "PT_", "MR_"); subdirectories are probed for
// DICOM series and classified by their Modality tag.
func ScanSubject(dir string) (Subject, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Subject{}, fmt.Errorf("reading subject %s: %w", dir, err)
	}

	s := Subject{Name: filepath.Base(dir), Dir: dir}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, WorkspacePrefix) {
			continue
		}
		path := filepath.Join(dir, name)

		if e.IsDir() {
			info, ok := sniffDICOMSeries(path)
			if !ok {
				continue
			}
			modality := normaliseModality(info.Modality)
			if modality == "" {
				modality = modalityFromName(name)
			}
			if modality != "" {
				s.Images = append(s.Images, Image{Modality: modality, Path: path, Format: FormatDICOM})
			}
			continue
		}

		ext, format := imageFormat(name)
		if format == "" {
			continue
		}
		if modality := modalityFromName(name); modality != "" {
			s.Images = append(s.Images, Image{Modality: modality, Path: path, Format: format, Ext: ext})
		}
	}
	return s, nil
}

// imageFormat returns the canonical lower-case extension and the format of
// a file name.
func imageFormat(name string) (string, string) {
	lower := strings.ToLower(name)
	for _, ie := range imageExtensions {
		if strings.HasSuffix(lower, ie.suffix) {
			return ie.suffix, ie.format
		}
	}
	return "", ""
}

// modalityFromName reads the modality prefix before the first underscore.
func modalityFromName(name string) string {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return ""
	}
	return normaliseModality(prefix)
}

func normaliseModality(m string) string {
	return modalityAliases[strings.ToUpper(strings.TrimSpace(m))]
}

// Compliance is the result of matching a subject against a model's
// expected modalities.
type Compliance struct {
	Subject Subject `json:"subject"`

	// Selected holds the image chosen for each modality.
	Selected map[string]Image `json:"selected,omitempty"`

	// Missing lists modalities without any image.
	Missing []string `json:"missing,omitempty"`

	// Ambiguous lists modalities with more than one candidate image.
	Ambiguous []string `json:"ambiguous,omitempty"`

	// Unsupported lists modalities whose only image is MHA or NRRD, which
	// the engine does not read.
	Unsupported []string `json:"unsupported,omitempty"`
}

// Compliant reports whether every modality has exactly one image.
func (c Compliance) Compliant() bool {
	return len(c.Missing) == 0 && len(c.Ambiguous) == 0 && len(c.Unsupported) == 0
}

// Err describes why the subject is not compliant, or returns nil.
func (c Compliance) Err() error {
	if c.Compliant() {
		return nil
	}
	var reasons []string
	if len(c.Missing) > 0 {
		reasons = append(reasons, "missing "+strings.Join(c.Missing, ", "))
	}
	if len(c.Ambiguous) > 0 {
		reasons = append(reasons, "more than one image for "+strings.Join(c.Ambiguous, ", "))
	}
	if len(c.Unsupported) > 0 {
		reasons = append(reasons, "no NIfTI or DICOM image for "+strings.Join(c.Unsupported, ", "))
	}
	return fmt.Errorf("%w: %s: %s", ErrNonCompliant, c.Subject.Name, strings.Join(reasons, "; "))
}

// CheckCompliance matches one subject against the modalities.
func CheckCompliance(s Subject, modalities []string) Compliance {
	c := Compliance{Subject: s, Selected: make(map[string]Image)}
	for _, want := range modalities {
		want = normaliseModality(want)
		var found []Image
		for _, img := range s.Images {
			if img.Modality == want {
				found = append(found, img)
			}
		}
		switch len(found) {
		case 0:
			c.Missing = append(c.Missing, want)
		case 1:
			if found[0].Format == FormatMHA || found[0].Format == FormatNRRD {
				c.Unsupported = append(c.Unsupported, want)
				continue
			}
			c.Selected[want] = found[0]
		default:
			c.Ambiguous = append(c.Ambiguous, want)
		}
	}
	return c
}

// SelectCompliant splits subjects into those usable with the modalities and
// those that are not.
func SelectCompliant(subjects []Subject, modalities []string) (compliant, rejected []Compliance) {
	for _, s := range subjects {
		c := CheckCompliance(s, modalities)
		if c.Compliant() {
			compliant = append(compliant, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	return compliant, rejected
}

// rejectedErr joins the reasons of all rejected subjects.
func rejectedErr(rejected []Compliance) error {
	errs := make([]error, len(rejected))
	for i, c := range rejected {
		errs[i] = c.Err()
	}
	return errors.Join(errs...)
}
