package moosez

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings are the user defaults read from config.yaml. Command-line flags
// take precedence over every field.
type Settings struct {
	// DataDir overrides where model weights are stored.
	DataDir string `yaml:"data_dir,omitempty"`

	// Engine is the inference binary, DefaultEngine when empty.
	Engine string `yaml:"engine,omitempty"`

	// Device fixes the inference device (cuda, mps or cpu).
	Device string `yaml:"device,omitempty"`

	// Converter is the DICOM to NIfTI binary, DefaultConverter when empty.
	Converter string `yaml:"converter,omitempty"`

	// CropCommand is the field-of-view crop command template.
	CropCommand string `yaml:"crop_command,omitempty"`

	// Concurrency is the number of parallel chunk downloads.
	Concurrency int `yaml:"concurrency,omitempty"`

	// Catalog is an extra models.yaml merged over the built-in catalog.
	Catalog string `yaml:"catalog,omitempty"`

	// KeepWorkspace keeps scratch folders after runs.
	KeepWorkspace bool `yaml:"keep_workspace,omitempty"`
}

// LoadSettings reads settings from path. When path is empty the default
// location is tried and a missing file yields zero Settings; an explicit
// path must exist.
func LoadSettings(path, appName string) (Settings, error) {
	explicit := path != ""
	if !explicit {
		p, err := defaultSettingsPath(Config{AppName: appName}.appName())
		if err != nil {
			return Settings{}, nil
		}
		path = p
	}

	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("opening settings: %w", err)
	}
	defer f.Close()
	return decodeSettings(f, path)
}

func decodeSettings(r io.Reader, name string) (Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	if s.Device != "" {
		if err := ValidDevice(s.Device); err != nil {
			return Settings{}, fmt.Errorf("parsing %s: %w", name, err)
		}
	}
	if s.Concurrency < 0 {
		return Settings{}, fmt.Errorf("parsing %s: concurrency must not be negative", name)
	}
	return s, nil
}

// BuildCatalog returns the built-in catalog with the settings' extra
// catalog merged in, validated as a whole.
func (s Settings) BuildCatalog() (*Catalog, error) {
	c := DefaultCatalog()
	if s.Catalog == "" {
		return c, nil
	}
	f, err := os.Open(s.Catalog)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	defer f.Close()
	extra, err := LoadCatalog(f)
	if err != nil {
		return nil, err
	}
	c.Merge(extra)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// PullOptions returns the pull options the settings imply.
func (s Settings) PullOptions() []PullOption {
	if s.Concurrency > 0 {
		return []PullOption{WithConcurrency(s.Concurrency)}
	}
	return nil
}

// RunOptions returns the run options the settings imply.
func (s Settings) RunOptions() []RunOption {
	return []RunOption{
		WithEngine(s.Engine),
		WithConverter(s.Converter),
		WithCropCommand(s.CropCommand),
		WithDevice(s.Device),
		WithPullOptions(s.PullOptions()...),
	}
}
