package moosez

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// Command describes one external process invocation.
type Command struct {
	// Path is the executable, looked up on PATH when it has no separator.
	Path string

	// Args are the arguments, not including the executable.
	Args []string

	// Env is added to the current environment as KEY=VALUE pairs.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Stdout, when set, also receives the standard output of the process.
	Stdout io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// CommandRunner runs external processes. The engine, the DICOM converter
// and the crop command all go through it so tests can substitute a fake.
type CommandRunner interface {
	// LookPath resolves an executable name.
	LookPath(name string) (string, error)

	// Run executes cmd and waits for it. A non-zero exit is reported as
	// *ExitError.
	Run(ctx context.Context, cmd Command) error
}

// ExitError reports a process that ran but exited unsuccessfully.
type ExitError struct {
	Command string
	Code    int

	// Stderr holds the last lines the process wrote to stderr.
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// exitCode extracts the process exit code from err, or -1.
func exitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// execRunner runs commands with os/exec and forwards their output to a
// Logger line by line.
type execRunner struct {
	logger Logger
}

// NewExecRunner returns a CommandRunner backed by os/exec. Output of the
// child processes goes to logger at debug level.
func NewExecRunner(logger Logger) CommandRunner {
	return &execRunner{logger: orNop(logger)}
}

func (r *execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// stderrTail is how many stderr lines are kept for error messages.
const stderrTail = 5

func (r *execRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	r.logger.Debug("running command", "cmd", c.String(), "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.Path, err)
	}

	var (
		wg   sync.WaitGroup
		tail = newLineTail(stderrTail)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.forward(stdout, "stdout", nil, c.Stdout)
	}()
	go func() {
		defer wg.Done()
		r.forward(stderr, "stderr", tail, nil)
	}()
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Command: c.Path, Code: ee.ExitCode(), Stderr: tail.String()}
	}
	return fmt.Errorf("running %s: %w", c.Path, err)
}

func (r *execRunner) forward(rd io.Reader, stream string, tail *lineTail, copyTo io.Writer) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if tail != nil {
			tail.add(line)
		}
		if copyTo != nil {
			fmt.Fprintln(copyTo, line)
		}
		r.logger.Debug("process output", "stream", stream, "line", line)
	}
}

// lineTail keeps the last n non-empty lines.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}

var commandToken = regexp.MustCompile(`[^\s"']+|"([^"]*)"|'([^']*)'`)

// splitCommandLine splits a command template into words, honouring single
// and double quotes.
func splitCommandLine(s string) []string {
	matches := commandToken.FindAllStringSubmatch(s, -1)
	words := make([]string, 0, len(matches))
	for _, m := range matches {
		switch {
		case strings.HasPrefix(m[0], `"`):
			words = append(words, m[1])
		case strings.HasPrefix(m[0], `'`):
			words = append(words, m[2])
		default:
			words = append(words, m[0])
		}
	}
	return words
}
