package moosez

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testCatalogYAML = `
organs:
  url: "%[1]s/organs.zip"
  filename: Dataset123_Organs.zip
  directory: Dataset123_Organs
  trainer: nnUNetTrainer
  voxel_spacing: [1.5, 1.5, 1.5]
  configuration: 3d_fullres
  planner: nnUNetPlans
  imaging: Clinical
  modalities: [CT]
  tissue: Organs
  organ_indices:
    1: liver
    2: spleen
organs_alias:
  url: "%[1]s/organs.zip"
  filename: Dataset123_Organs.zip
  directory: Dataset123_Organs
  trainer: nnUNetTrainer
  voxel_spacing: [1.5, 1.5, 1.5]
  configuration: 3d_fullres
  planner: nnUNetPlans
  imaging: Clinical
  modalities: [CT]
  tissue: Organs
  organ_indices:
    1: liver
pinned:
  url: "%[1]s/organs.zip"
  directory: Dataset123_Organs
  trainer: nnUNetTrainer
  voxel_spacing: [1.5, 1.5, 1.5]
  configuration: 3d_fullres
  planner: nnUNetPlans
  imaging: Clinical
  modalities: [CT]
  tissue: Organs
  organ_indices:
    1: liver
  sha256: "0000000000000000000000000000000000000000000000000000000000000000"
wrong_layout:
  url: "%[1]s/organs.zip"
  directory: Dataset999_Missing
  trainer: nnUNetTrainer
  voxel_spacing: [1.5, 1.5, 1.5]
  configuration: 3d_fullres
  planner: nnUNetPlans
  imaging: Clinical
  modalities: [CT]
  tissue: Organs
  organ_indices:
    1: liver
gone:
  url: "%[1]s/gone.zip"
  directory: Dataset124_Gone
  trainer: nnUNetTrainer
  voxel_spacing: [1.5, 1.5, 1.5]
  configuration: 3d_fullres
  planner: nnUNetPlans
  imaging: Clinical
  modalities: [CT]
  tissue: Organs
  organ_indices:
    1: liver
tumor:
  imaging: Clinical
  modalities: [PT]
  tissue: Tumor
  organ_indices:
    1: tumor
`

// archiveServer serves model archives by path and counts GET requests.
type archiveServer struct {
	*httptest.Server
	gets int32
}

func newArchiveServer(t *testing.T, archives map[string][]byte) *archiveServer {
	t.Helper()
	s := &archiveServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			atomic.AddInt32(&s.gets, 1)
		}
		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(s.Close)
	return s
}

func organsArchive(t *testing.T) []byte {
	return buildZip(t,
		zipEntry{name: "Dataset123_Organs/"},
		zipEntry{name: "Dataset123_Organs/dataset.json", content: `{"labels":{"background":0,"liver":1,"spleen":2}}`},
		zipEntry{name: "Dataset123_Organs/nnUNetTrainer__nnUNetPlans__3d_fullres/fold_all/checkpoint_final.pth", content: strings.Repeat("w", 500)},
	)
}

func testCatalog(t *testing.T, baseURL string) *Catalog {
	t.Helper()
	c, err := LoadCatalog(strings.NewReader(fmt.Sprintf(testCatalogYAML, baseURL)))
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	return c
}

func newTestManager(t *testing.T) (Manager, *archiveServer, []byte) {
	t.Helper()
	archive := organsArchive(t)
	server := newArchiveServer(t, map[string][]byte{"/organs.zip": archive})
	mgr, err := NewManager(
		Config{AppName: "moosez-test", DataDir: t.TempDir()},
		WithHTTPClient(server.Client()),
		WithCatalog(testCatalog(t, server.URL)),
		withRetryBackoff(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, server, archive
}

func TestNewManager(t *testing.T) {
	t.Run("defaults to the shipped catalog", func(t *testing.T) {
		mgr, err := NewManager(Config{AppName: "moosez-test", DataDir: t.TempDir()})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if _, err := mgr.Catalog().Lookup("clin_ct_organs"); err != nil {
			t.Errorf("default catalog lookup error = %v", err)
		}
	})

	t.Run("results folder lives below the data dir", func(t *testing.T) {
		dir := t.TempDir()
		mgr, err := NewManager(Config{AppName: "moosez-test", DataDir: dir})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if want := filepath.Join(dir, resultsDirName); mgr.ResultsDir() != want {
			t.Errorf("ResultsDir() = %q, want %q", mgr.ResultsDir(), want)
		}
		if st, err := os.Stat(mgr.ResultsDir()); err != nil || !st.IsDir() {
			t.Error("results folder should be created")
		}
	})
}

func TestPull(t *testing.T) {
	mgr, server, archive := newTestManager(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		phases = map[string]int{}
	)
	err := mgr.Pull(ctx, "organs", WithChunkSize(100), WithConcurrency(3), WithProgress(func(p PullProgress) {
		mu.Lock()
		defer mu.Unlock()
		phases[p.Phase]++
		if p.Model != "organs" {
			t.Errorf("progress model = %q, want organs", p.Model)
		}
	}))
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	for _, phase := range []string{PhaseProbe, PhaseDownload, PhaseExtract} {
		if phases[phase] == 0 {
			t.Errorf("no progress reported for phase %q", phase)
		}
	}
	if want := int32((len(archive) + 99) / 100); atomic.LoadInt32(&server.gets) != want {
		t.Errorf("GET requests = %d, want %d", server.gets, want)
	}

	im, err := mgr.GetInstalled(ctx, "organs")
	if err != nil {
		t.Fatalf("GetInstalled() error = %v", err)
	}
	sum := sha256.Sum256(archive)
	if im.ArchiveHash != hex.EncodeToString(sum[:]) {
		t.Errorf("ArchiveHash = %s, want %x", im.ArchiveHash, sum)
	}
	if im.ArchiveSize != int64(len(archive)) {
		t.Errorf("ArchiveSize = %d, want %d", im.ArchiveSize, len(archive))
	}
	if im.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", im.FileCount)
	}
	if want := filepath.Join(mgr.ResultsDir(), "Dataset123_Organs"); im.Path != want {
		t.Errorf("Path = %q, want %q", im.Path, want)
	}
	if _, err := os.Stat(filepath.Join(im.Path, "nnUNetTrainer__nnUNetPlans__3d_fullres", "fold_all", "checkpoint_final.pth")); err != nil {
		t.Errorf("checkpoint missing: %v", err)
	}

	base := filepath.Dir(mgr.ResultsDir())
	if _, err := os.Stat(filepath.Join(base, ".staging", "organs")); !os.IsNotExist(err) {
		t.Error("staging directory should be removed after pull")
	}
	if entries, _ := os.ReadDir(filepath.Join(base, ".chunks")); len(entries) != 0 {
		t.Errorf("chunk cache holds %d files after pull, want 0", len(entries))
	}
}

func TestPullAlreadyInstalled(t *testing.T) {
	mgr, server, _ := newTestManager(t)
	ctx := context.Background()

	if err := mgr.Pull(ctx, "organs"); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	gets := atomic.LoadInt32(&server.gets)

	if err := mgr.Pull(ctx, "organs"); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Pull() error = %v, want ErrAlreadyInstalled", err)
	}
	if err := mgr.EnsureInstalled(ctx, "organs"); err != nil {
		t.Errorf("EnsureInstalled() error = %v", err)
	}
	if atomic.LoadInt32(&server.gets) != gets {
		t.Error("installed model should not be downloaded again")
	}

	if err := mgr.Pull(ctx, "organs", WithForce()); err != nil {
		t.Fatalf("Pull(WithForce) error = %v", err)
	}
	if atomic.LoadInt32(&server.gets) == gets {
		t.Error("forced pull should download again")
	}
}

func TestEnsureInstalledPulls(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := mgr.EnsureInstalled(ctx, "organs"); err != nil {
		t.Fatalf("EnsureInstalled() error = %v", err)
	}
	if _, err := mgr.GetInstalled(ctx, "organs"); err != nil {
		t.Errorf("GetInstalled() after EnsureInstalled error = %v", err)
	}
}

func TestPullErrors(t *testing.T) {
	tests := []struct {
		model string
		want  error
	}{
		{"tumor", ErrNoWeights},
		{"nonexistent", ErrUnknownModel},
		{"pinned", ErrHashMismatch},
		{"wrong_layout", ErrInvalidArchive},
		{"gone", ErrDownloadError},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			mgr, _, _ := newTestManager(t)
			ctx := context.Background()

			err := mgr.Pull(ctx, tt.model)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Pull(%q) error = %v, want %v", tt.model, err, tt.want)
			}
			if _, err := mgr.GetInstalled(ctx, tt.model); err == nil {
				t.Error("failed pull should not install the model")
			}
		})
	}
}

func TestPullUpperCasePin(t *testing.T) {
	archive := organsArchive(t)
	sum := sha256.Sum256(archive)
	server := newArchiveServer(t, map[string][]byte{"/organs.zip": archive})

	yaml := fmt.Sprintf(`
organs:
  url: "%s/organs.zip"
  directory: Dataset123_Organs
  trainer: nnUNetTrainer
  voxel_spacing: [1.5, 1.5, 1.5]
  configuration: 3d_fullres
  planner: nnUNetPlans
  imaging: Clinical
  modalities: [CT]
  tissue: Organs
  organ_indices:
    1: liver
  sha256: %q
`, server.URL, strings.ToUpper(hex.EncodeToString(sum[:])))
	catalog, err := LoadCatalog(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	mgr, err := NewManager(
		Config{AppName: "moosez-test", DataDir: t.TempDir()},
		WithHTTPClient(server.Client()),
		WithCatalog(catalog),
		withRetryBackoff(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := mgr.Pull(context.Background(), "organs"); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
}

func TestListInstalled(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	models, err := mgr.ListInstalled(ctx)
	if err != nil {
		t.Fatalf("ListInstalled() error = %v", err)
	}
	if len(models) != 0 {
		t.Errorf("ListInstalled() = %d models, want 0", len(models))
	}

	for _, name := range []string{"organs_alias", "organs"} {
		if err := mgr.Pull(ctx, name); err != nil {
			t.Fatalf("Pull(%q) error = %v", name, err)
		}
	}

	models, err = mgr.ListInstalled(ctx)
	if err != nil {
		t.Fatalf("ListInstalled() error = %v", err)
	}
	if len(models) != 2 || models[0].Name != "organs" || models[1].Name != "organs_alias" {
		t.Errorf("ListInstalled() = %+v, want organs then organs_alias", models)
	}
}

func TestGetInstalledNotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.GetInstalled(ctx, "organs"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("GetInstalled() error = %v, want ErrNotInstalled", err)
	}

	t.Run("dataset directory vanished", func(t *testing.T) {
		if err := mgr.Pull(ctx, "organs"); err != nil {
			t.Fatal(err)
		}
		if err := os.RemoveAll(filepath.Join(mgr.ResultsDir(), "Dataset123_Organs")); err != nil {
			t.Fatal(err)
		}
		if _, err := mgr.GetInstalled(ctx, "organs"); !errors.Is(err, ErrNotInstalled) {
			t.Errorf("GetInstalled() error = %v, want ErrNotInstalled", err)
		}
		if err := mgr.EnsureInstalled(ctx, "organs"); err != nil {
			t.Errorf("EnsureInstalled() should repair the install: %v", err)
		}
	})
}

func TestRemove(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	for _, name := range []string{"organs", "organs_alias"} {
		if err := mgr.Pull(ctx, name); err != nil {
			t.Fatalf("Pull(%q) error = %v", name, err)
		}
	}
	dataset := filepath.Join(mgr.ResultsDir(), "Dataset123_Organs")

	if err := mgr.Remove(ctx, "organs"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dataset); err != nil {
		t.Error("shared dataset directory should survive while another model uses it")
	}
	if _, err := mgr.GetInstalled(ctx, "organs_alias"); err != nil {
		t.Errorf("organs_alias should still be installed: %v", err)
	}

	if err := mgr.Remove(ctx, "organs_alias"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dataset); !os.IsNotExist(err) {
		t.Error("dataset directory should be removed with its last model")
	}

	if err := mgr.Remove(ctx, "organs"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("Remove() of removed model error = %v, want ErrNotInstalled", err)
	}
}

func TestPath(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Path(ctx, "organs"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("Path() error = %v, want ErrNotInstalled", err)
	}
	if err := mgr.Pull(ctx, "organs"); err != nil {
		t.Fatal(err)
	}
	path, err := mgr.Path(ctx, "organs")
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if want := filepath.Join(mgr.ResultsDir(), "Dataset123_Organs"); path != want {
		t.Errorf("Path() = %q, want %q", path, want)
	}
}

func TestPruneCache(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	base := filepath.Dir(mgr.ResultsDir())

	for _, dir := range []string{".chunks", ".staging"} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(base, dir, "leftover"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := mgr.PruneCache(context.Background()); err != nil {
		t.Fatalf("PruneCache() error = %v", err)
	}
	for _, dir := range []string{".chunks", ".staging"} {
		if _, err := os.Stat(filepath.Join(base, dir)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", dir)
		}
	}

	if err := mgr.PruneCache(context.Background()); err != nil {
		t.Errorf("PruneCache() on empty cache error = %v", err)
	}
}
