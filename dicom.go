package moosez

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// maxDICOMProbe bounds how many files of a directory are inspected when
// looking for a DICOM header.
const maxDICOMProbe = 16

var dicomMagic = []byte("DICM")

// hasDICOMPreamble reports whether path starts with the 128-byte preamble
// followed by "DICM".
func hasDICOMPreamble(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 132)
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return bytes.Equal(buf[128:], dicomMagic)
}

// dicomSeriesInfo is what we learn about a directory of DICOM files.
type dicomSeriesInfo struct {
	Modality          string
	SeriesDescription string
	Files             int
}

// sniffDICOMSeries inspects dir and reports the modality of the first
// parseable DICOM file. ok is false when dir holds no DICOM files.
func sniffDICOMSeries(dir string) (dicomSeriesInfo, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return dicomSeriesInfo{}, false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var info dicomSeriesInfo
	probed := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		if !hasDICOMPreamble(path) {
			continue
		}
		info.Files++
		if info.Modality != "" || probed >= maxDICOMProbe {
			continue
		}
		probed++

		dataset, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if err != nil {
			continue
		}
		info.Modality = firstString(dataset, tag.Modality)
		info.SeriesDescription = firstString(dataset, tag.SeriesDescription)
	}
	if info.Files == 0 {
		return dicomSeriesInfo{}, false
	}
	return info, true
}

// firstString returns the first string value of t, or "".
func firstString(dataset dicom.Dataset, t tag.Tag) string {
	elem, err := dataset.FindElementByTag(t)
	if err != nil || elem.Value == nil || elem.Value.ValueType() != dicom.Strings {
		return ""
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
