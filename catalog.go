package moosez

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalogYAML []byte

// Model describes a pretrained segmentation model.
type Model struct {
	// Name is the unique model identifier, e.g. "clin_ct_organs".
	Name string `yaml:"-" json:"name"`

	// URL is where the zipped nnU-Net results folder can be downloaded.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Filename is the archive file name.
	Filename string `yaml:"filename,omitempty" json:"filename,omitempty"`

	// Directory is the nnU-Net dataset directory inside the archive,
	// e.g. "Dataset123_Organs".
	Directory string `yaml:"directory,omitempty" json:"directory,omitempty"`

	// Trainer is the nnU-Net trainer class the model was trained with.
	Trainer string `yaml:"trainer,omitempty" json:"trainer,omitempty"`

	// VoxelSpacing is the median voxel spacing in mm (x, y, z).
	VoxelSpacing [3]float64 `yaml:"voxel_spacing,omitempty" json:"voxel_spacing"`

	// MultilabelPrefix prefixes the file name of the multilabel result.
	MultilabelPrefix string `yaml:"multilabel_prefix,omitempty" json:"multilabel_prefix,omitempty"`

	// Configuration is the nnU-Net configuration, e.g. "3d_fullres".
	Configuration string `yaml:"configuration,omitempty" json:"configuration,omitempty"`

	// Planner is the nnU-Net plans identifier.
	Planner string `yaml:"planner,omitempty" json:"planner,omitempty"`

	// Imaging is "Clinical" or "Pre-clinical".
	Imaging string `yaml:"imaging" json:"imaging"`

	// Modalities lists the expected input modalities in channel order.
	Modalities []string `yaml:"modalities" json:"modalities"`

	// Tissue is the tissue of interest shown to the user.
	Tissue string `yaml:"tissue" json:"tissue"`

	// OrganIndices maps label intensities to label names.
	OrganIndices map[int]string `yaml:"organ_indices" json:"organ_indices"`

	// LimitFOV restricts inference to a region segmented by another model.
	LimitFOV *FOVLimit `yaml:"limit_fov,omitempty" json:"limit_fov,omitempty"`

	// SHA256 optionally pins the archive content.
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// FOVLimit describes a field-of-view crop taken from another model's output.
type FOVLimit struct {
	// ModelToCropFrom names the model whose segmentation defines the region.
	ModelToCropFrom string `yaml:"model_to_crop_from" json:"model_to_crop_from"`

	// InferenceFOVIntensities are the source labels kept as inference context.
	// Two values denote an inclusive range.
	InferenceFOVIntensities Intensities `yaml:"inference_fov_intensities" json:"inference_fov_intensities"`

	// LabelIntensityToCropFrom is the source label the crop is centred on.
	LabelIntensityToCropFrom int `yaml:"label_intensity_to_crop_from" json:"label_intensity_to_crop_from"`

	// LargestComponentOnly keeps only the largest connected component of the label.
	LargestComponentOnly bool `yaml:"largest_component_only" json:"largest_component_only"`
}

// Intensities is a list of label intensities that may be written in YAML as
// either a single scalar or a sequence.
type Intensities []int

// UnmarshalYAML accepts "8" as well as "[20, 24]".
func (in *Intensities) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var v int
		if err := value.Decode(&v); err != nil {
			return err
		}
		*in = Intensities{v}
		return nil
	case yaml.SequenceNode:
		var vs []int
		if err := value.Decode(&vs); err != nil {
			return err
		}
		*in = vs
		return nil
	default:
		return fmt.Errorf("line %d: intensities must be an integer or a list of integers", value.Line)
	}
}

// Label is a single entry of a model's label map.
type Label struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Expectation summarises what a model expects from its input.
type Expectation struct {
	Model    string `json:"model"`
	Imaging  string `json:"imaging"`
	Modality string `json:"modality"`
	Tissue   string `json:"tissue"`
}

var datasetDirPattern = regexp.MustCompile(`^Dataset(\d+)_`)

// DatasetID returns the nnU-Net dataset id encoded in Directory, which is the
// task identifier handed to the engine.
func (m Model) DatasetID() (int, error) {
	match := datasetDirPattern.FindStringSubmatch(m.Directory)
	if match == nil {
		return 0, fmt.Errorf("model %s: directory %q has no dataset id: %w", m.Name, m.Directory, ErrInvalidCatalog)
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("model %s: %w", m.Name, ErrInvalidCatalog)
	}
	return id, nil
}

// Downloadable reports whether the model has weights that can be fetched.
func (m Model) Downloadable() bool {
	return m.URL != "" && m.Directory != ""
}

// Labels returns the label map ordered by intensity.
func (m Model) Labels() []Label {
	labels := make([]Label, 0, len(m.OrganIndices))
	for idx, name := range m.OrganIndices {
		labels = append(labels, Label{Index: idx, Name: name})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Index < labels[j].Index })
	return labels
}

// Expectation returns the input expectations shown before a run.
func (m Model) Expectation() Expectation {
	return Expectation{
		Model:    m.Name,
		Imaging:  m.Imaging,
		Modality: strings.Join(m.Modalities, " & "),
		Tissue:   m.Tissue,
	}
}

// Catalog is a set of model descriptors keyed by name.
// A Catalog is safe for concurrent reads; Merge must not race with readers.
type Catalog struct {
	models map[string]Model
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
)

// DefaultCatalog returns the catalog of models shipped with moosez.
// Each call returns an independent copy so callers may Merge into it.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := parseCatalog(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("moosez: embedded catalog is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog.clone()
}

// LoadCatalog parses a catalog in the models.yaml format.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var raw map[string]Model
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	c := &Catalog{models: make(map[string]Model, len(raw))}
	for name, m := range raw {
		m.Name = name
		c.models[name] = m
	}
	return c, nil
}

func (c *Catalog) clone() *Catalog {
	out := &Catalog{models: make(map[string]Model, len(c.models))}
	for k, v := range c.models {
		out.models[k] = v
	}
	return out
}

// Merge adds the models of other, replacing entries with the same name.
func (c *Catalog) Merge(other *Catalog) {
	for name, m := range other.models {
		c.models[name] = m
	}
}

// Lookup returns the named model.
func (c *Catalog) Lookup(name string) (Model, error) {
	m, ok := c.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// Names returns all model names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns all models sorted by name.
func (c *Catalog) Models() []Model {
	names := c.Names()
	out := make([]Model, len(names))
	for i, name := range names {
		out[i] = c.models[name]
	}
	return out
}

// Chain returns the models that must run for name, crop sources first and
// the requested model last.
func (c *Catalog) Chain(name string) ([]Model, error) {
	var chain []Model
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, cycleString(chain, cur))
		}
		seen[cur] = true
		m, err := c.Lookup(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
		cur = ""
		if m.LimitFOV != nil {
			cur = m.LimitFOV.ModelToCropFrom
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func cycleString(chain []Model, repeat string) string {
	parts := make([]string, 0, len(chain)+1)
	for _, m := range chain {
		parts = append(parts, m.Name)
	}
	return strings.Join(append(parts, repeat), " -> ")
}

// Validate checks every descriptor for consistency.
func (c *Catalog) Validate() error {
	var errs []error
	for _, name := range c.Names() {
		m := c.models[name]
		if len(m.Modalities) == 0 {
			errs = append(errs, fmt.Errorf("model %s: no modalities", name))
		}
		if len(m.OrganIndices) == 0 {
			errs = append(errs, fmt.Errorf("model %s: no organ indices", name))
		}
		if m.Downloadable() {
			if _, err := m.DatasetID(); err != nil {
				errs = append(errs, err)
			}
			for _, s := range m.VoxelSpacing {
				if s <= 0 {
					errs = append(errs, fmt.Errorf("model %s: voxel spacing must be positive", name))
					break
				}
			}
			if m.Configuration == "" || m.Trainer == "" || m.Planner == "" {
				errs = append(errs, fmt.Errorf("model %s: trainer, planner and configuration are required", name))
			}
		}
		if m.LimitFOV != nil {
			if _, ok := c.models[m.LimitFOV.ModelToCropFrom]; !ok {
				errs = append(errs, fmt.Errorf("model %s: crop source %q: %w", name, m.LimitFOV.ModelToCropFrom, ErrUnknownModel))
			}
			if len(m.LimitFOV.InferenceFOVIntensities) == 0 || len(m.LimitFOV.InferenceFOVIntensities) > 2 {
				errs = append(errs, fmt.Errorf("model %s: inference_fov_intensities must hold one or two values", name))
			}
		}
		if _, err := c.Chain(name); err != nil && errors.Is(err, ErrDependencyCycle) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(errs...))
	}
	return nil
}
