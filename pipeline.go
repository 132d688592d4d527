package moosez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Segmentation phases reported through SegmentProgress.Phase.
const (
	PhasePull     = "pull"
	PhaseDiscover = "discover"
	PhaseConvert  = "convert"
	PhaseStage    = "stage"
	PhaseCrop     = "crop"
	PhasePredict  = "predict"
	PhaseCollect  = "collect"
	PhaseDone     = "done"
)

// SegmentProgress reports where a run is.
type SegmentProgress struct {
	Phase   string
	Model   string
	Subject string

	// Index is the 1-based position of Subject; Total the number of
	// compliant subjects.
	Index int
	Total int

	// Pull is set during PhasePull.
	Pull *PullProgress
}

// SegmentRequest is one batch segmentation.
type SegmentRequest struct {
	// MainDir holds one folder per subject.
	MainDir string

	// Model is the catalog name of the model to run.
	Model string

	// Device overrides the configured or detected inference device.
	Device string

	// KeepWorkspace leaves the scratch tree in place after the run.
	KeepWorkspace bool

	// Progress, when set, receives progress updates.
	Progress func(SegmentProgress)
}

// SubjectResult is the outcome for one subject.
type SubjectResult struct {
	Subject string `json:"subject"`

	// Segmentations maps model names to relocated segmentation files.
	Segmentations map[string]string `json:"segmentations,omitempty"`

	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`

	// Error mirrors Err for JSON output.
	Error string `json:"error,omitempty"`
}

// Report summarises a run.
type Report struct {
	Model     string          `json:"model"`
	Chain     []string        `json:"chain"`
	Device    string          `json:"device"`
	Stamp     string          `json:"stamp"`
	Workspace string          `json:"workspace,omitempty"`
	Subjects  []SubjectResult `json:"subjects"`
	Rejected  []Compliance    `json:"rejected,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
}

// Succeeded returns the number of subjects segmented without error.
func (r *Report) Succeeded() int {
	n := 0
	for _, s := range r.Subjects {
		if s.Err == nil {
			n++
		}
	}
	return n
}

// Err joins the errors of all failed subjects.
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Subjects {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Subject, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Summary renders a one-line outcome, e.g.
// "Segmented 1,204 of 1,210 subjects with clin_ct_organs in 3h 2m".
func (r *Report) Summary() string {
	p := message.NewPrinter(language.English)
	return p.Sprintf("Segmented %d of %d subjects with %s in %s",
		r.Succeeded(), len(r.Subjects), r.Model, formatDuration(r.Elapsed))
}

// Segmenter runs models over folders of subjects.
type Segmenter struct {
	manager   Manager
	runner    CommandRunner
	logger    Logger
	converter *converter
	cropper   *cropper
	cfg       *runConfig
}

// NewSegmenter returns a Segmenter that installs weights through mgr.
func NewSegmenter(mgr Manager, opts ...RunOption) *Segmenter {
	cfg := newRunConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	logger := orNop(cfg.logger)
	runner := cfg.runner
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &Segmenter{
		manager:   mgr,
		runner:    runner,
		logger:    logger,
		converter: newConverter(runner, cfg.converter, logger),
		cropper:   newCropper(runner, cfg.cropCommand, logger),
		cfg:       cfg,
	}
}

// Check reports which subjects of mainDir can be segmented with model,
// without running anything.
func (s *Segmenter) Check(mainDir, model string) (compliant, rejected []Compliance, err error) {
	chain, err := s.manager.Catalog().Chain(model)
	if err != nil {
		return nil, nil, err
	}
	subjects, err := DiscoverSubjects(mainDir)
	if err != nil {
		return nil, nil, err
	}
	compliant, rejected = SelectCompliant(subjects, chainModalities(chain))
	return compliant, rejected, nil
}

// Segment runs req.Model, and the models it crops from, over every
// compliant subject of req.MainDir. Subjects are processed one at a time;
// a failing subject is recorded in the report and the run continues.
// The returned error is non-nil only when the run could not start, which
// includes a segmentation engine missing from PATH.
func (s *Segmenter) Segment(ctx context.Context, req SegmentRequest) (*Report, error) {
	start := s.cfg.now()
	progress := func(p SegmentProgress) {
		if req.Progress != nil {
			p.Model = req.Model
			req.Progress(p)
		}
	}

	if st, err := os.Stat(req.MainDir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNoSubjects, req.MainDir)
	}
	chain, err := s.manager.Catalog().Chain(req.Model)
	if err != nil {
		return nil, err
	}
	target := chain[len(chain)-1]

	names := make([]string, len(chain))
	for i, m := range chain {
		names[i] = m.Name
		if !m.Downloadable() {
			return nil, fmt.Errorf("%w: %s", ErrNoWeights, m.Name)
		}
		if _, err := m.DatasetID(); err != nil {
			return nil, err
		}
	}

	for _, m := range chain {
		pullOpts := append(slices.Clone(s.cfg.pullOpts), WithProgress(func(p PullProgress) {
			progress(SegmentProgress{Phase: PhasePull, Pull: &p})
		}))
		if err := s.manager.EnsureInstalled(ctx, m.Name, pullOpts...); err != nil {
			return nil, fmt.Errorf("installing %s: %w", m.Name, err)
		}
	}

	progress(SegmentProgress{Phase: PhaseDiscover})
	subjects, err := DiscoverSubjects(req.MainDir)
	if err != nil {
		return nil, err
	}
	compliant, rejected := SelectCompliant(subjects, chainModalities(chain))
	for _, c := range rejected {
		s.logger.Warn("skipping subject", "subject", c.Subject.Name, "reason", c.Err())
	}

	device := s.device(ctx, req.Device)
	report := &Report{
		Model:    target.Name,
		Chain:    names,
		Device:   device,
		Rejected: rejected,
	}
	if len(compliant) == 0 {
		return report, errors.Join(fmt.Errorf("%w in %s", ErrNoSubjects, req.MainDir), rejectedErr(rejected))
	}

	if _, err := s.runner.LookPath(s.cfg.engine); err != nil {
		return report, fmt.Errorf("%w: %s: %v", ErrEngineNotFound, s.cfg.engine, err)
	}

	ws, err := NewWorkspace(req.MainDir, target.Name, start)
	if err != nil {
		return report, err
	}
	report.Stamp = ws.Stamp
	if req.KeepWorkspace {
		report.Workspace = ws.Root
	} else {
		defer func() {
			if err := ws.Cleanup(); err != nil {
				s.logger.Warn("removing workspace", "path", ws.Root, "error", err)
			}
		}()
	}

	eng := &engine{
		runner:     s.runner,
		binary:     s.cfg.engine,
		device:     device,
		resultsDir: s.manager.ResultsDir(),
		logger:     s.logger,
	}
	s.logger.Info("starting run", "model", target.Name, "chain", names, "subjects", len(compliant), "device", device, "workspace", ws.Root)

	for i, c := range compliant {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		subjectStart := time.Now()
		at := func(phase string) {
			progress(SegmentProgress{Phase: phase, Subject: c.Subject.Name, Index: i + 1, Total: len(compliant)})
		}
		segs, err := s.segmentSubject(ctx, eng, ws, chain, c, at)
		res := SubjectResult{
			Subject:       c.Subject.Name,
			Segmentations: segs,
			Duration:      time.Since(subjectStart),
			Err:           err,
		}
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			res.Error = err.Error()
			s.logger.Error("subject failed", "subject", c.Subject.Name, "error", err)
		} else {
			s.logger.Info("subject segmented", "subject", c.Subject.Name, "duration", res.Duration)
		}
		report.Subjects = append(report.Subjects, res)
	}

	report.Elapsed = s.cfg.now().Sub(start)
	progress(SegmentProgress{Phase: PhaseDone, Total: len(compliant), Index: len(compliant)})
	s.logger.Info("run finished", "model", target.Name, "succeeded", report.Succeeded(), "subjects", len(report.Subjects), "elapsed", report.Elapsed)
	return report, nil
}

// segmentSubject converts, stages and predicts one subject through the
// whole chain, then relocates every segmentation.
func (s *Segmenter) segmentSubject(ctx context.Context, eng *engine, ws *Workspace, chain []Model, c Compliance, at func(string)) (map[string]string, error) {
	subject := c.Subject.Name
	target := chain[len(chain)-1]

	selected := make(map[string]Image, len(c.Selected))
	for modality, img := range c.Selected {
		if img.Format == FormatDICOM {
			at(PhaseConvert)
			converted, err := s.converter.convert(ctx, img, ws.ConvertedDir(subject), modality+"_"+subject)
			if err != nil {
				return nil, err
			}
			img = converted
		}
		selected[modality] = img
	}

	at(PhaseStage)
	if _, err := ws.Stage(subject, selected, target.Modalities); err != nil {
		return nil, err
	}

	for _, m := range chain {
		input := ws.InputDir(subject)
		if m.Name != target.Name && !slices.Equal(m.Modalities, target.Modalities) {
			input = ws.SourceInputDir(subject, m.Name)
			if _, err := ws.StageInto(input, subject, selected, m.Modalities); err != nil {
				return nil, err
			}
		}

		if m.LimitFOV != nil {
			at(PhaseCrop)
			mask := segmentationPath(ws.OutputDir(subject, m.LimitFOV.ModelToCropFrom), subject)
			cropped, err := s.cropper.crop(ctx, m, subject, input, mask, ws.CroppedDir(subject, m.Name))
			if err != nil {
				return nil, err
			}
			input = cropped
		}

		out := ws.OutputDir(subject, m.Name)
		if err := os.MkdirAll(out, 0755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		at(PhasePredict)
		err := eng.predict(ctx, predictJob{model: m, subject: subject, input: input, output: out, ws: ws})
		if err != nil {
			return nil, err
		}
	}

	at(PhaseCollect)
	segs := make(map[string]string, len(chain))
	for _, m := range chain {
		path, err := collect(m, c.Subject, ws.OutputDir(subject, m.Name), ws.Stamp)
		if err != nil {
			return segs, err
		}
		segs[m.Name] = path
	}
	return segs, nil
}

func (s *Segmenter) device(ctx context.Context, requested string) string {
	if requested != "" {
		return requested
	}
	if s.cfg.device != "" {
		return s.cfg.device
	}
	return DetectDevice(ctx, s.runner)
}

// segmentationPath is the file the engine writes for subject.
func segmentationPath(outputDir, subject string) string {
	return filepath.Join(outputDir, subject+".nii.gz")
}

// chainModalities is the union of modalities every model of chain needs,
// in first-seen order.
func chainModalities(chain []Model) []string {
	var out []string
	for _, m := range chain {
		for _, mod := range m.Modalities {
			if !slices.Contains(out, mod) {
				out = append(out, mod)
			}
		}
	}
	return out
}
