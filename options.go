package moosez

import (
	"net/http"
	"time"
)

// Concurrency constants for chunk downloads.
const (
	// DefaultConcurrency is the default number of concurrent chunk downloads.
	DefaultConcurrency = 4

	// MaxConcurrency is the maximum allowed concurrent chunk downloads.
	MaxConcurrency = 16

	// DefaultChunkSize is the byte-range size requested per chunk.
	DefaultChunkSize = 32 << 20

	// DefaultRequestTimeout is the default timeout for HTTP requests.
	DefaultRequestTimeout = 30 * time.Second
)

// Retry configuration constants for failed HTTP requests.
const (
	// MaxRetries is the maximum number of retry attempts for failed requests.
	MaxRetries = 3

	// InitialBackoff is the initial backoff duration before first retry.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the maximum backoff duration between retries.
	MaxBackoff = 4 * time.Second
)

// PullOption configures a pull operation.
type PullOption func(*pullConfig)

type pullConfig struct {
	// force causes re-download even if model is already installed.
	force bool

	// concurrency is the number of concurrent chunk downloads.
	concurrency int

	// chunkSize is the byte-range size per chunk.
	chunkSize int64

	// progressFn is called with progress updates during download.
	progressFn func(PullProgress)
}

func newPullConfig() *pullConfig {
	return &pullConfig{
		concurrency: DefaultConcurrency,
		chunkSize:   DefaultChunkSize,
	}
}

// WithForce forces re-download even if the model is already installed.
func WithForce() PullOption {
	return func(c *pullConfig) {
		c.force = true
	}
}

// WithConcurrency sets the number of concurrent chunk downloads.
// Values are clamped to the range [1, MaxConcurrency].
// Default is DefaultConcurrency (4).
func WithConcurrency(n int) PullOption {
	return func(c *pullConfig) {
		if n < 1 {
			n = 1
		}
		if n > MaxConcurrency {
			n = MaxConcurrency
		}
		c.concurrency = n
	}
}

// WithChunkSize sets the byte-range size requested per chunk.
// Non-positive values keep the default.
func WithChunkSize(n int64) PullOption {
	return func(c *pullConfig) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithProgress sets a callback for progress updates during download.
// The callback is invoked from download worker goroutines and must be thread-safe.
func WithProgress(fn func(PullProgress)) PullOption {
	return func(c *pullConfig) {
		c.progressFn = fn
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	// httpClient is used for all archive requests.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// catalog resolves model names. Defaults to DefaultCatalog().
	catalog *Catalog

	// backoff is the initial retry backoff.
	backoff time.Duration
}

func newManagerConfig() *managerConfig {
	return &managerConfig{
		httpClient: http.DefaultClient,
		backoff:    InitialBackoff,
	}
}

// WithHTTPClient sets a custom HTTP client for archive downloads.
// Useful for testing with mock servers or customizing timeouts.
// If not set, http.DefaultClient is used.
func WithHTTPClient(client HTTPClient) ManagerOption {
	return func(c *managerConfig) {
		c.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithCatalog sets the catalog used to resolve model names.
func WithCatalog(catalog *Catalog) ManagerOption {
	return func(c *managerConfig) {
		c.catalog = catalog
	}
}

// withRetryBackoff shortens retry waits in tests.
func withRetryBackoff(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		c.backoff = d
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// *slog.Logger satisfies it, as do zap's SugaredLogger and most other
// structured loggers.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func orNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

// RunOption configures a Segmenter.
type RunOption func(*runConfig)

type runConfig struct {
	runner      CommandRunner
	logger      Logger
	engine      string
	converter   string
	cropCommand string
	device      string
	pullOpts    []PullOption
	now         func() time.Time
}

func newRunConfig() *runConfig {
	return &runConfig{
		engine:    DefaultEngine,
		converter: DefaultConverter,
		now:       time.Now,
	}
}

// WithRunner sets the runner used for the engine, the converter and the
// crop command. Defaults to an os/exec runner.
func WithRunner(r CommandRunner) RunOption {
	return func(c *runConfig) {
		c.runner = r
	}
}

// WithRunLogger sets the logger for segmentation runs.
func WithRunLogger(logger Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithEngine overrides the engine binary. Empty keeps DefaultEngine.
func WithEngine(binary string) RunOption {
	return func(c *runConfig) {
		if binary != "" {
			c.engine = binary
		}
	}
}

// WithConverter overrides the DICOM converter binary. Empty keeps
// DefaultConverter.
func WithConverter(binary string) RunOption {
	return func(c *runConfig) {
		if binary != "" {
			c.converter = binary
		}
	}
}

// WithCropCommand sets the field-of-view crop command template.
func WithCropCommand(template string) RunOption {
	return func(c *runConfig) {
		c.cropCommand = template
	}
}

// WithDevice fixes the inference device instead of detecting it.
func WithDevice(device string) RunOption {
	return func(c *runConfig) {
		c.device = device
	}
}

// WithPullOptions passes options to the pulls a run triggers.
func WithPullOptions(opts ...PullOption) RunOption {
	return func(c *runConfig) {
		c.pullOpts = append(c.pullOpts, opts...)
	}
}

// withClock fixes the run timestamp in tests.
func withClock(now func() time.Time) RunOption {
	return func(c *runConfig) {
		c.now = now
	}
}
