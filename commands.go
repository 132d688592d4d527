package moosez

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// annotationLogFile marks commands that write a run log.
const annotationLogFile = "moosez/logfile"

// cli holds the state shared by the command tree. It is filled in by the
// root's PersistentPreRunE.
type cli struct {
	cfg     Config
	mgrOpts []ManagerOption
	runOpts []RunOption

	jsonOutput bool
	quiet      bool
	verbose    bool
	noLogFile  bool
	configPath string

	settings Settings
	catalog  *Catalog
	logger   *slog.Logger
	logFile  *os.File
	mgr      Manager
	runner   CommandRunner
}

// NewCommand creates the moosez Cobra command tree.
//
// Commands provided:
//   - segment -d <dir> -m <model> (also available as root flags)
//   - models list|info|labels|pull|remove|path|prune|browse
//   - subjects -d <dir> -m <model>
//   - device
//   - mcp [--http addr]
//
// Global flags: --json, --quiet, --verbose, --config, --no-log-file
func NewCommand(cfg Config, opts ...ManagerOption) *cobra.Command {
	return newRootCommand(cfg, opts, nil)
}

func newRootCommand(cfg Config, mgrOpts []ManagerOption, runOpts []RunOption) *cobra.Command {
	c := &cli{cfg: cfg, mgrOpts: mgrOpts, runOpts: runOpts}
	return c.rootCommand()
}

func (c *cli) rootCommand() *cobra.Command {
	var seg segmentFlags

	cmd := &cobra.Command{
		Use:   "moosez",
		Short: "Batch segmentation of PET, CT and MR studies",
		Long: "moosez runs pretrained nnU-Net models over a directory of subject folders.\n" +
			"It downloads model weights, arranges the inputs the way the engine expects,\n" +
			"runs the engine per subject and puts the segmentations back into the subject folders.",
		Version: Version,
		Args:    cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			if err := c.setup(cmd); err != nil {
				c.teardown()
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if seg.mainDir == "" && seg.model == "" {
				return cmd.Help()
			}
			return c.runSegment(cmd, seg)
		},
		Annotations:   map[string]string{annotationLogFile: "true"},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.BoolVar(&c.jsonOutput, "json", false, "Output in JSON format")
	pf.BoolVarP(&c.quiet, "quiet", "q", false, "Suppress non-essential output")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "Verbose output, debug logs on stderr")
	pf.StringVar(&c.configPath, "config", "", "Settings file (default <user config dir>/moosez/config.yaml)")
	pf.BoolVar(&c.noLogFile, "no-log-file", false, "Do not write a run log to the current directory")

	seg.register(cmd)

	cmd.AddCommand(segmentCmd(c))
	cmd.AddCommand(modelsCmd(c))
	cmd.AddCommand(subjectsCmd(c))
	cmd.AddCommand(deviceCmd(c))
	cmd.AddCommand(mcpCmd(c))
	c.closeLogAfterRun(cmd)
	return cmd
}

// closeLogAfterRun wraps the RunE of cmd and its subcommands so the run log
// is closed whether or not the command fails. Cobra skips post-run hooks
// after an error.
func (c *cli) closeLogAfterRun(cmd *cobra.Command) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			defer c.teardown()
			return run(cmd, args)
		}
	}
	for _, sub := range cmd.Commands() {
		c.closeLogAfterRun(sub)
	}
}

// setup loads settings, opens the run log and creates the manager.
func (c *cli) setup(cmd *cobra.Command) error {
	settings, err := LoadSettings(c.configPath, c.cfg.appName())
	if err != nil {
		return err
	}
	c.settings = settings
	if c.cfg.DataDir == "" {
		c.cfg.DataDir = settings.DataDir
	}

	var logOut, logErr io.Writer
	// The bare root command only prints help.
	bareRoot := !cmd.HasParent() && !cmd.Flags().Changed("model_name")
	if cmd.Annotations[annotationLogFile] == "true" && !c.noLogFile && !bareRoot {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		f, err := OpenLogFile(wd, time.Now())
		if err != nil {
			return err
		}
		c.logFile = f
		logOut = f
	}
	if c.verbose {
		logErr = cmd.ErrOrStderr()
	}
	c.logger = NewLogger(c.verbose, logOut, logErr)

	catalog, err := settings.BuildCatalog()
	if err != nil {
		return err
	}
	c.catalog = catalog

	opts := append([]ManagerOption{WithLogger(c.logger), WithCatalog(catalog)}, c.mgrOpts...)
	c.mgr, err = NewManager(c.cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}
	c.runner = NewExecRunner(c.logger)
	return nil
}

func (c *cli) teardown() {
	if c.logFile != nil {
		c.logFile.Close()
		c.logFile = nil
	}
}

// segmenter builds a Segmenter from settings, then flags, then test
// overrides.
func (c *cli) segmenter(extra ...RunOption) *Segmenter {
	opts := append([]RunOption{WithRunner(c.runner)}, c.settings.RunOptions()...)
	opts = append(opts, WithRunLogger(c.logger))
	opts = append(opts, extra...)
	opts = append(opts, c.runOpts...)
	return NewSegmenter(c.mgr, opts...)
}

type segmentFlags struct {
	mainDir       string
	model         string
	device        string
	engine        string
	keepWorkspace bool
}

func (f *segmentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.mainDir, "main_directory", "d", "", "Main directory containing subject folders")
	cmd.Flags().StringVarP(&f.model, "model_name", "m", "", "Name of the model to use for segmentation")
}

func segmentCmd(c *cli) *cobra.Command {
	var f segmentFlags

	cmd := &cobra.Command{
		Use:   "segment -d <main directory> -m <model>",
		Short: "Segment every subject of a directory",
		Long: "Segment every compliant subject folder of the main directory with a model.\n" +
			"Results land in <subject>/moosez-<model>-<timestamp>/segmentations.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationLogFile: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSegment(cmd, f)
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&f.device, "device", "", "Inference device: cuda, mps or cpu (default: detect)")
	cmd.Flags().StringVar(&f.engine, "engine", "", "Segmentation engine binary (default nnUNetv2_predict)")
	cmd.Flags().BoolVar(&f.keepWorkspace, "keep-workspace", false, "Keep the scratch folder after the run")
	cmd.MarkFlagRequired("main_directory")
	cmd.MarkFlagRequired("model_name")
	return cmd
}

func (c *cli) runSegment(cmd *cobra.Command, f segmentFlags) error {
	if f.mainDir == "" || f.model == "" {
		return fmt.Errorf("both --main_directory and --model_name are required")
	}
	if f.device != "" {
		if err := ValidDevice(f.device); err != nil {
			return err
		}
	}
	model, err := c.catalog.Lookup(f.model)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	interactive := !c.quiet && !c.jsonOutput
	if interactive {
		printBanner(out)
		printExpectation(out, model.Expectation())
	}

	seg := c.segmenter(WithEngine(f.engine))
	req := SegmentRequest{
		MainDir:       f.mainDir,
		Model:         f.model,
		Device:        f.device,
		KeepWorkspace: f.keepWorkspace || c.settings.KeepWorkspace,
	}

	var sp *spinner
	if interactive {
		sp = newSpinner(out)
		pull := newPullRenderer(out, c.verbose)
		req.Progress = func(p SegmentProgress) {
			if p.Phase == PhasePull {
				sp.Stop("")
				pull.update(*p.Pull)
				return
			}
			pull.finish()
			sp.Start(segmentStatus(p))
		}
	}

	c.logger.Info("starting moosez", "version", Version, "main_directory", f.mainDir, "model", f.model)
	report, err := seg.Segment(cmd.Context(), req)
	if sp != nil {
		sp.Stop("")
	}
	if err != nil {
		if report != nil && interactive {
			printRejected(out, report.Rejected)
		}
		return err
	}

	if c.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return report.Err()
	}
	if !c.quiet {
		printRejected(out, report.Rejected)
		printReport(out, report)
	}
	return report.Err()
}

func segmentStatus(p SegmentProgress) string {
	switch p.Phase {
	case PhaseDiscover:
		return "Looking for compliant subjects"
	case PhaseDone:
		return "Done"
	}
	verb := map[string]string{
		PhaseConvert: "Converting DICOM",
		PhaseStage:   "Preparing data",
		PhaseCrop:    "Cropping field of view",
		PhasePredict: "Running prediction",
		PhaseCollect: "Collecting results",
	}[p.Phase]
	return fmt.Sprintf("[%d/%d] %s: %s", p.Index, p.Total, p.Subject, verb)
}

func modelsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage segmentation models",
		Long:  "List the model catalog and download, inspect or remove model weights.",
	}
	cmd.AddCommand(listCmd(c))
	cmd.AddCommand(infoCmd(c))
	cmd.AddCommand(labelsCmd(c))
	cmd.AddCommand(pullCmd(c))
	cmd.AddCommand(removeCmd(c))
	cmd.AddCommand(pathCmd(c))
	cmd.AddCommand(pruneCmd(c))
	cmd.AddCommand(browseCmd(c))
	return cmd
}

// catalogRow is a model with its install state, as listed by "models list".
type catalogRow struct {
	Model
	Installed bool `json:"installed"`
}

func (c *cli) catalogRows(cmd *cobra.Command) ([]catalogRow, error) {
	installed, err := c.mgr.ListInstalled(cmd.Context())
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(installed))
	for _, m := range installed {
		have[m.Name] = true
	}
	models := c.catalog.Models()
	rows := make([]catalogRow, len(models))
	for i, m := range models {
		rows[i] = catalogRow{Model: m, Installed: have[m.Name]}
	}
	return rows, nil
}

func listCmd(c *cli) *cobra.Command {
	var installedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List models",
		Long:  "List the model catalog, or only installed weights with --installed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if installedOnly {
				models, err := c.mgr.ListInstalled(cmd.Context())
				if err != nil {
					return err
				}
				return outputInstalledModels(cmd.OutOrStdout(), models, c.jsonOutput)
			}
			rows, err := c.catalogRows(cmd)
			if err != nil {
				return err
			}
			return outputCatalog(cmd.OutOrStdout(), rows, c.jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&installedOnly, "installed", false, "List installed models only")
	return cmd
}

func infoCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info <model>",
		Short: "Show model information",
		Long:  "Show the descriptor of a model and whether its weights are installed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := c.catalog.Lookup(args[0])
			if err != nil {
				return err
			}
			var installed *InstalledModel
			if im, err := c.mgr.GetInstalled(cmd.Context(), model.Name); err == nil {
				installed = &im
			} else if !errors.Is(err, ErrNotInstalled) {
				return err
			}
			return outputModelDetail(cmd.OutOrStdout(), model, installed, c.jsonOutput)
		},
	}
}

func labelsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "labels <model>",
		Short: "Print the label map of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := c.catalog.Lookup(args[0])
			if err != nil {
				return err
			}
			return outputLabels(cmd.OutOrStdout(), model.Labels(), c.jsonOutput)
		},
	}
}

func pullCmd(c *cli) *cobra.Command {
	var (
		force       bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:         "pull <model>",
		Short:       "Download and install model weights",
		Long:        "Download a model archive in parallel byte ranges and install it into the results folder.",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationLogFile: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			opts := c.settings.PullOptions()
			if force {
				opts = append(opts, WithForce())
			}
			if concurrency > 0 {
				opts = append(opts, WithConcurrency(concurrency))
			}

			var pull *pullRenderer
			if !c.quiet && !c.jsonOutput {
				pull = newPullRenderer(cmd.OutOrStdout(), c.verbose)
				opts = append(opts, WithProgress(pull.update))
			}

			err := c.mgr.Pull(cmd.Context(), name, opts...)
			if pull != nil {
				pull.finish()
			}
			if err != nil {
				if errors.Is(err, ErrAlreadyInstalled) {
					if !c.quiet {
						fmt.Fprintf(cmd.OutOrStdout(), "Model %s is already installed (use --force to re-download)\n", name)
					}
					return nil
				}
				return err
			}

			if !c.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Successfully installed %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Force re-download even if already installed")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, fmt.Sprintf("Parallel chunk downloads (default %d, max %d)", DefaultConcurrency, MaxConcurrency))
	return cmd
}

func removeCmd(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <model>",
		Short: "Remove installed model weights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Remove %s? [y/N]: ", name)
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			if err := c.mgr.Remove(cmd.Context(), name); err != nil {
				return err
			}
			if !c.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func pathCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "path [model]",
		Short: "Print path to installed model",
		Long:  "Print the dataset directory of an installed model, or the results folder without an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), c.mgr.ResultsDir())
				return nil
			}
			path, err := c.mgr.Path(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func pruneCmd(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Clear the download cache",
		Long:  "Remove cached chunks and staging files of incomplete downloads. Resumed downloads will fetch those chunks again.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Fprint(cmd.OutOrStdout(), "Clear the download cache? [y/N]: ")
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			if err := c.mgr.PruneCache(cmd.Context()); err != nil {
				return err
			}
			if !c.quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "Download cache cleared.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func browseCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse the model catalog interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.catalogRows(cmd)
			if err != nil {
				return err
			}
			return runBrowser(rows)
		},
	}
}

func subjectsCmd(c *cli) *cobra.Command {
	var f segmentFlags

	cmd := &cobra.Command{
		Use:   "subjects -d <main directory> -m <model>",
		Short: "Check which subjects a model can run on",
		Long:  "Scan the subject folders of the main directory and report which ones hold exactly one image per modality the model needs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			compliant, rejected, err := c.segmenter().Check(f.mainDir, f.model)
			if err != nil {
				return err
			}
			return outputCompliance(cmd.OutOrStdout(), compliant, rejected, c.jsonOutput)
		},
	}

	f.register(cmd)
	cmd.MarkFlagRequired("main_directory")
	cmd.MarkFlagRequired("model_name")
	return cmd
}

func deviceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Print the inference device moosez would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			device := c.settings.Device
			if device == "" {
				device = DetectDevice(cmd.Context(), c.runner)
			}
			fmt.Fprintln(cmd.OutOrStdout(), device)
			return nil
		},
	}
}

func mcpCmd(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve moosez as Model Context Protocol tools",
		Long:  "Serve the catalog, subject checks and segmentation runs as MCP tools over stdio, or over streamable HTTP with --http.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := newMCPServer(c.catalog, c.mgr, c.segmenter(), c.logger)
			if addr != "" {
				return srv.serveHTTP(cmd.Context(), addr)
			}
			return srv.serveStdio(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "http", "", "Listen address for streamable HTTP, e.g. localhost:8080")
	return cmd
}

// confirmPrompt returns true only if the user types 'y' or 'yes'.
// Empty input or any other response means no.
func confirmPrompt(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		response := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return response == "y" || response == "yes"
	}
	return false
}

// pullRenderer turns PullProgress updates into a redrawn progress bar,
// refreshed at least once per second so the speed keeps moving between
// chunk completions.
type pullRenderer struct {
	w       io.Writer
	verbose bool

	mu              sync.Mutex
	started         bool
	model           string
	current         int64
	total           int64
	bytesDownloaded int64
	bytesInProgress int64
	startTime       time.Time
	ticker          *time.Ticker
	tickerDone      chan struct{}
}

func newPullRenderer(w io.Writer, verbose bool) *pullRenderer {
	return &pullRenderer{w: w, verbose: verbose}
}

func (r *pullRenderer) update(p PullProgress) {
	switch p.Phase {
	case PhaseProbe:
		fmt.Fprintf(r.w, "Fetching %s...\n", p.Model)
	case PhaseDownload:
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.started {
			r.started = true
			r.model = p.Model
			r.startTime = time.Now()
			fmt.Fprint(r.w, "\x1b[?25l")
			r.ticker = time.NewTicker(time.Second)
			r.tickerDone = make(chan struct{})
			go r.tick(r.ticker, r.tickerDone)
		}
		r.current = p.BytesCompleted
		r.total = p.BytesTotal
		r.bytesDownloaded = p.BytesDownloaded
		r.bytesInProgress = p.BytesInProgress
		r.renderLocked()
	case PhaseExtract:
		r.finish()
		if r.verbose && p.CurrentFile != "" {
			fmt.Fprintf(r.w, "Extracting: %s\n", p.CurrentFile)
		}
	}
}

func (r *pullRenderer) tick(t *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-t.C:
			r.mu.Lock()
			if r.started {
				r.renderLocked()
			}
			r.mu.Unlock()
		case <-done:
			return
		}
	}
}

func (r *pullRenderer) renderLocked() {
	renderProgress(r.w, r.model, r.current, r.total, r.bytesDownloaded, r.bytesInProgress, r.startTime)
}

// finish draws the bar at 100% and restores the cursor. Safe to call when
// nothing was drawn.
func (r *pullRenderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.ticker.Stop()
	close(r.tickerDone)
	total := r.total
	if total < 0 {
		total = r.current
	}
	renderProgress(r.w, r.model, total, total, r.bytesDownloaded, 0, r.startTime)
	fmt.Fprint(r.w, "\x1b[?25h\n")
	r.started = false
}

// Output helpers

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "moosez v%s\n", Version)
	fmt.Fprintln(w, "If you use moosez in your research, please cite:")
	fmt.Fprintln(w, "  Shiyam Sundar, L. K., et al. Fully automated, semantic segmentation of whole-body")
	fmt.Fprintln(w, "  18F-FDG PET/CT images based on data-centric artificial intelligence. J Nucl Med (2022).")
	fmt.Fprintln(w)
}

func printExpectation(w io.Writer, e Expectation) {
	fmt.Fprintf(w, "Model:        %s\n", e.Model)
	fmt.Fprintf(w, "Imaging:      %s\n", e.Imaging)
	fmt.Fprintf(w, "Modality:     %s\n", e.Modality)
	fmt.Fprintf(w, "Tissue:       %s\n", e.Tissue)
	fmt.Fprintln(w)
}

func printRejected(w io.Writer, rejected []Compliance) {
	for _, c := range rejected {
		fmt.Fprintf(w, "Skipped %s: %v\n", c.Subject.Name, c.Err())
	}
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintln(w, r.Summary())
	for _, s := range r.Subjects {
		if s.Err != nil {
			fmt.Fprintf(w, "  %s: FAILED: %v\n", s.Subject, s.Err)
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", s.Subject, s.Segmentations[r.Model])
	}
	if r.Workspace != "" {
		fmt.Fprintf(w, "Workspace kept at %s\n", r.Workspace)
	}
}

func outputCatalog(w io.Writer, rows []catalogRow, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tIMAGING\tMODALITY\tTISSUE\tLABELS\tINSTALLED")
	for _, r := range rows {
		e := r.Expectation()
		state := "no"
		switch {
		case r.Installed:
			state = "yes"
		case !r.Downloadable():
			state = "n/a"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.Name, e.Imaging, e.Modality, e.Tissue, len(r.OrganIndices), state)
	}
	return tw.Flush()
}

func outputInstalledModels(w io.Writer, models []InstalledModel, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	if len(models) == 0 {
		fmt.Fprintln(w, "No models installed")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSIZE\tFILES\tINSTALLED")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			m.Name,
			humanize.Bytes(uint64(m.ArchiveSize)),
			m.FileCount,
			m.InstalledAt.Format("2006-01-02 15:04"),
		)
	}
	return tw.Flush()
}

// modelDetail is the JSON form of "models info".
type modelDetail struct {
	Model
	Installed *InstalledModel `json:"installed,omitempty"`
}

func outputModelDetail(w io.Writer, m Model, installed *InstalledModel, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(modelDetail{Model: m, Installed: installed})
	}

	e := m.Expectation()
	fmt.Fprintf(w, "Model:        %s\n", m.Name)
	fmt.Fprintf(w, "Imaging:      %s\n", e.Imaging)
	fmt.Fprintf(w, "Modality:     %s\n", e.Modality)
	fmt.Fprintf(w, "Tissue:       %s\n", e.Tissue)
	fmt.Fprintf(w, "Labels:       %d\n", len(m.OrganIndices))
	if !m.Downloadable() {
		fmt.Fprintln(w, "Weights:      not available")
		return nil
	}
	id, _ := m.DatasetID()
	fmt.Fprintf(w, "Dataset:      %s (id %d)\n", m.Directory, id)
	fmt.Fprintf(w, "Trainer:      %s\n", m.Trainer)
	fmt.Fprintf(w, "Planner:      %s\n", m.Planner)
	fmt.Fprintf(w, "Config:       %s\n", m.Configuration)
	fmt.Fprintf(w, "Spacing:      %g x %g x %g mm\n", m.VoxelSpacing[0], m.VoxelSpacing[1], m.VoxelSpacing[2])
	if m.LimitFOV != nil {
		fmt.Fprintf(w, "Crops from:   %s (label %d)\n", m.LimitFOV.ModelToCropFrom, m.LimitFOV.LabelIntensityToCropFrom)
	}
	fmt.Fprintf(w, "URL:          %s\n", m.URL)
	if installed == nil {
		fmt.Fprintln(w, "Installed:    no")
		return nil
	}
	fmt.Fprintf(w, "Installed:    %s\n", installed.InstalledAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Size:         %s\n", humanize.Bytes(uint64(installed.ArchiveSize)))
	fmt.Fprintf(w, "Path:         %s\n", installed.Path)
	return nil
}

func outputLabels(w io.Writer, labels []Label, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(labels)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tLABEL")
	for _, l := range labels {
		fmt.Fprintf(tw, "%d\t%s\n", l.Index, l.Name)
	}
	return tw.Flush()
}

// complianceRow is one line of "subjects" output.
type complianceRow struct {
	Subject   string            `json:"subject"`
	Compliant bool              `json:"compliant"`
	Images    map[string]string `json:"images,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func complianceRows(compliant, rejected []Compliance) []complianceRow {
	rows := make([]complianceRow, 0, len(compliant)+len(rejected))
	for _, c := range compliant {
		images := make(map[string]string, len(c.Selected))
		for mod, img := range c.Selected {
			images[mod] = img.Path
		}
		rows = append(rows, complianceRow{Subject: c.Subject.Name, Compliant: true, Images: images})
	}
	for _, c := range rejected {
		rows = append(rows, complianceRow{Subject: c.Subject.Name, Reason: c.Err().Error()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Subject < rows[j].Subject })
	return rows
}

func outputCompliance(w io.Writer, compliant, rejected []Compliance, asJSON bool) error {
	rows := complianceRows(compliant, rejected)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No subject folders found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT\tSTATUS\tDETAILS")
	for _, r := range rows {
		if r.Compliant {
			mods := make([]string, 0, len(r.Images))
			for mod := range r.Images {
				mods = append(mods, mod)
			}
			sort.Strings(mods)
			fmt.Fprintf(tw, "%s\tok\t%s\n", r.Subject, strings.Join(mods, ", "))
			continue
		}
		fmt.Fprintf(tw, "%s\tskipped\t%s\n", r.Subject, r.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d of %d subjects compliant\n", len(compliant), len(rows))
	return nil
}
