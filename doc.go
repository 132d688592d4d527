// Package moosez orchestrates batch medical-image segmentation with
// pretrained nnU-Net models.
//
// The package serves two use cases:
//
//  1. Programmatic API - NewManager returns a Manager that downloads and
//     tracks model weights, and a Segmenter runs a model over a directory
//     of subject folders.
//
//  2. CLI via NewCommand - a complete Cobra command tree ("moosez segment",
//     "moosez models pull", ...) used by cmd/moosez.
//
// # Model catalog
//
// DefaultCatalog holds the curated set of model descriptors: archive URL,
// nnU-Net dataset directory, trainer, planner, configuration, voxel
// spacing and the label index map. A model may declare that its inference
// is limited to the field of view of another model's label, in which case
// Catalog.Chain returns the models in the order they must run.
//
// # Inference
//
// Inference is delegated to the external nnUNetv2_predict binary, invoked
// once per subject and model. DICOM series are converted by an external
// converter (dcm2niix by default) and field-of-view crops by a configured
// external command. Nothing in this package touches voxel data.
//
// # Storage
//
// Model weights are stored in platform-appropriate directories:
//   - Linux: $XDG_DATA_HOME/moosez/models/ or ~/.local/share/moosez/models/
//   - macOS: ~/Library/Application Support/moosez/models/
//   - Windows: %APPDATA%\moosez\models\
//
// The location can be overridden via Config.DataDir or the
// MOOSEZ_MODELS_DIR environment variable.
package moosez
