package moosez

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpServer exposes the catalog, subject checks and segmentation runs as
// Model Context Protocol tools.
type mcpServer struct {
	catalog *Catalog
	mgr     Manager
	seg     *Segmenter
	logger  Logger
	server  *mcp.Server
}

func newMCPServer(catalog *Catalog, mgr Manager, seg *Segmenter, logger Logger) *mcpServer {
	s := &mcpServer{catalog: catalog, mgr: mgr, seg: seg, logger: orNop(logger)}
	s.server = mcp.NewServer(&mcp.Implementation{Name: "moosez", Version: Version}, &mcp.ServerOptions{
		Instructions: "moosez segments PET, CT and MR studies with pretrained nnU-Net models. " +
			"Use list_models to pick a model, check_subjects to see which subject folders it can run on, " +
			"then segment to run it.",
	})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_models",
		Description: "List the segmentation models in the catalog with their expected modality and install state.",
	}, s.listModels)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "model_info",
		Description: "Show the descriptor and label map of one model.",
	}, s.modelInfo)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "check_subjects",
		Description: "Report which subject folders of a main directory hold the images a model needs.",
	}, s.checkSubjects)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "segment",
		Description: "Run a model over every compliant subject folder of a main directory. Downloads weights when missing; this can take a long time.",
	}, s.segment)
	return s
}

func (s *mcpServer) serveStdio(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *mcpServer) handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *mcpServer) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving MCP over HTTP", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type listModelsInput struct {
	Installed bool   `json:"installed,omitempty" jsonschema:"only list models whose weights are installed"`
	Modality  string `json:"modality,omitempty" jsonschema:"only list models using this modality: CT, PT or MR"`
}

type modelSummary struct {
	Name         string `json:"name"`
	Imaging      string `json:"imaging"`
	Modality     string `json:"modality"`
	Tissue       string `json:"tissue"`
	Labels       int    `json:"labels" jsonschema:"number of labels in the segmentation"`
	Downloadable bool   `json:"downloadable" jsonschema:"whether weights can be downloaded"`
	Installed    bool   `json:"installed"`
}

type listModelsOutput struct {
	Models []modelSummary `json:"models"`
}

func (s *mcpServer) listModels(ctx context.Context, req *mcp.CallToolRequest, in listModelsInput) (*mcp.CallToolResult, listModelsOutput, error) {
	installed, err := s.mgr.ListInstalled(ctx)
	if err != nil {
		return nil, listModelsOutput{}, err
	}
	have := make(map[string]bool, len(installed))
	for _, m := range installed {
		have[m.Name] = true
	}

	out := listModelsOutput{Models: []modelSummary{}}
	want := normaliseModality(in.Modality)
	for _, m := range s.catalog.Models() {
		if in.Installed && !have[m.Name] {
			continue
		}
		if in.Modality != "" && !slices.Contains(m.Modalities, want) {
			continue
		}
		e := m.Expectation()
		out.Models = append(out.Models, modelSummary{
			Name:         m.Name,
			Imaging:      e.Imaging,
			Modality:     e.Modality,
			Tissue:       e.Tissue,
			Labels:       len(m.OrganIndices),
			Downloadable: m.Downloadable(),
			Installed:    have[m.Name],
		})
	}
	return nil, out, nil
}

type modelInput struct {
	Model string `json:"model" jsonschema:"catalog name of the model, e.g. clin_ct_organs"`
}

type modelInfoOutput struct {
	Name          string    `json:"name"`
	Imaging       string    `json:"imaging"`
	Modalities    []string  `json:"modalities" jsonschema:"input modalities in channel order"`
	Tissue        string    `json:"tissue"`
	Dataset       string    `json:"dataset,omitempty"`
	DatasetID     int       `json:"dataset_id,omitempty"`
	Trainer       string    `json:"trainer,omitempty"`
	Configuration string    `json:"configuration,omitempty"`
	VoxelSpacing  []float64 `json:"voxel_spacing"`
	CropsFrom     string    `json:"crops_from,omitempty" jsonschema:"model whose segmentation limits the field of view"`
	Labels        []Label   `json:"labels"`
	Installed     bool      `json:"installed"`
	Path          string    `json:"path,omitempty"`
}

func (s *mcpServer) modelInfo(ctx context.Context, req *mcp.CallToolRequest, in modelInput) (*mcp.CallToolResult, modelInfoOutput, error) {
	m, err := s.catalog.Lookup(in.Model)
	if err != nil {
		return nil, modelInfoOutput{}, err
	}
	out := modelInfoOutput{
		Name:          m.Name,
		Imaging:       m.Imaging,
		Modalities:    append([]string{}, m.Modalities...),
		Tissue:        m.Tissue,
		Dataset:       m.Directory,
		Trainer:       m.Trainer,
		Configuration: m.Configuration,
		VoxelSpacing:  m.VoxelSpacing[:],
		Labels:        m.Labels(),
	}
	if id, err := m.DatasetID(); err == nil {
		out.DatasetID = id
	}
	if m.LimitFOV != nil {
		out.CropsFrom = m.LimitFOV.ModelToCropFrom
	}
	if im, err := s.mgr.GetInstalled(ctx, m.Name); err == nil {
		out.Installed = true
		out.Path = im.Path
	}
	return nil, out, nil
}

type subjectsInput struct {
	MainDirectory string `json:"main_directory" jsonschema:"directory holding one folder per subject"`
	Model         string `json:"model" jsonschema:"catalog name of the model"`
}

type checkSubjectsOutput struct {
	Compliant int             `json:"compliant"`
	Subjects  []complianceRow `json:"subjects"`
}

func (s *mcpServer) checkSubjects(ctx context.Context, req *mcp.CallToolRequest, in subjectsInput) (*mcp.CallToolResult, checkSubjectsOutput, error) {
	compliant, rejected, err := s.seg.Check(in.MainDirectory, in.Model)
	if err != nil {
		return nil, checkSubjectsOutput{}, err
	}
	return nil, checkSubjectsOutput{
		Compliant: len(compliant),
		Subjects:  complianceRows(compliant, rejected),
	}, nil
}

type segmentInput struct {
	MainDirectory string `json:"main_directory" jsonschema:"directory holding one folder per subject"`
	Model         string `json:"model" jsonschema:"catalog name of the model"`
	Device        string `json:"device,omitempty" jsonschema:"inference device: cuda, mps or cpu; detected when empty"`
	KeepWorkspace bool   `json:"keep_workspace,omitempty" jsonschema:"keep the scratch folder after the run"`
}

type segmentedSubject struct {
	Subject      string `json:"subject"`
	Segmentation string `json:"segmentation,omitempty"`
	Error        string `json:"error,omitempty"`
}

type segmentOutput struct {
	Summary   string             `json:"summary"`
	Device    string             `json:"device"`
	Succeeded int                `json:"succeeded"`
	Subjects  []segmentedSubject `json:"subjects"`
	Skipped   []complianceRow    `json:"skipped"`
}

func (s *mcpServer) segment(ctx context.Context, req *mcp.CallToolRequest, in segmentInput) (*mcp.CallToolResult, segmentOutput, error) {
	if in.Device != "" {
		if err := ValidDevice(in.Device); err != nil {
			return nil, segmentOutput{}, err
		}
	}
	report, err := s.seg.Segment(ctx, SegmentRequest{
		MainDir:       in.MainDirectory,
		Model:         in.Model,
		Device:        in.Device,
		KeepWorkspace: in.KeepWorkspace,
	})
	if err != nil {
		return nil, segmentOutput{}, err
	}

	out := segmentOutput{
		Summary:   report.Summary(),
		Device:    report.Device,
		Succeeded: report.Succeeded(),
		Subjects:  []segmentedSubject{},
		Skipped:   complianceRows(nil, report.Rejected),
	}
	for _, r := range report.Subjects {
		out.Subjects = append(out.Subjects, segmentedSubject{
			Subject:      r.Subject,
			Segmentation: r.Segmentations[report.Model],
			Error:        r.Error,
		})
	}
	if failed := len(report.Subjects) - report.Succeeded(); failed > 0 {
		s.logger.Warn("segment tool finished with failures", "failed", failed)
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s; %d failed", out.Summary, failed)}},
		}, out, nil
	}
	return nil, out, nil
}
