// Package execution runs submitted code in a scratch directory with a
// timeout.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/codestream/internal/room"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// Policy decides whether a request may run at all.
type Policy interface {
	Allow(ctx context.Context, language room.Language, code, input string) (bool, string, error)
}

// Result of one run. Error is empty on success.
type Result struct {
	Output   string
	Error    string
	Duration time.Duration
}

func (r Result) Seconds() float64 {
	return r.Duration.Seconds()
}

// CheckLanguage returns ErrUnsupportedLanguage for languages that cannot run.
func CheckLanguage(l room.Language) error {
	if !l.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedLanguage, l)
	}
	return nil
}

type Runner struct {
	dir     string
	timeout time.Duration
	policy  Policy
	python  string
	cxx     string
}

type Option func(*Runner)

func WithPolicy(p Policy) Option {
	return func(r *Runner) {
		r.policy = p
	}
}

// NewRunner creates the scratch directory all runs share.
func NewRunner(timeout time.Duration, opts ...Option) (*Runner, error) {
	dir, err := os.MkdirTemp("", "codestream_")
	if err != nil {
		return nil, fmt.Errorf("create execution dir: %w", err)
	}

	r := &Runner{
		dir:     dir,
		timeout: timeout,
		python:  findBinary("python3", "python"),
		cxx:     findBinary("g++", "clang++"),
	}
	for _, opt := range opts {
		opt(r)
	}

	log.Printf("Created execution temp directory: %s", dir)
	return r, nil
}

func findBinary(names ...string) string {
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// Close removes the scratch directory.
func (r *Runner) Close() error {
	return os.RemoveAll(r.dir)
}

// Execute runs code with input on stdin. Failures are reported in the result,
// never as a Go error.
func (r *Runner) Execute(ctx context.Context, code string, language room.Language, input string) Result {
	start := time.Now()

	if r.policy != nil {
		allowed, reason, err := r.policy.Allow(ctx, language, code, input)
		if err != nil {
			log.Printf("WARN: execution policy failed: %v", err)
			return Result{Error: "Execution policy unavailable", Duration: time.Since(start)}
		}
		if !allowed {
			return Result{Error: reason, Duration: time.Since(start)}
		}
	}

	var output, errMsg string
	switch language {
	case room.LanguagePython:
		output, errMsg = r.runPython(ctx, code, input)
	case room.LanguageCPP:
		output, errMsg = r.runCPP(ctx, code, input)
	default:
		errMsg = fmt.Sprintf("Unsupported language: %s", language)
	}

	return Result{Output: output, Error: errMsg, Duration: time.Since(start)}
}

func (r *Runner) runPython(ctx context.Context, code, input string) (string, string) {
	if r.python == "" {
		return "", "Python interpreter not found"
	}

	path := filepath.Join(r.dir, "temp_"+shortID()+".py")
	if err := os.WriteFile(path, []byte(code), 0600); err != nil {
		return "", err.Error()
	}
	defer os.Remove(path)

	return r.run(ctx, input, r.python, path)
}

func (r *Runner) runCPP(ctx context.Context, code, input string) (string, string) {
	if r.cxx == "" {
		return "", "g++ compiler not found. Please install GCC."
	}

	id := shortID()
	source := filepath.Join(r.dir, "temp_"+id+".cpp")
	binary := filepath.Join(r.dir, "temp_"+id+".out")
	defer os.Remove(source)
	defer os.Remove(binary)

	if err := os.WriteFile(source, []byte(code), 0600); err != nil {
		return "", err.Error()
	}

	compileCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stderr bytes.Buffer
	compile := exec.CommandContext(compileCtx, r.cxx, "-o", binary, source)
	compile.Stderr = &stderr
	if err := compile.Run(); err != nil {
		if compileCtx.Err() == context.DeadlineExceeded {
			return "", r.timeoutMessage()
		}
		return "", "Compilation error:\n" + stderr.String()
	}

	return r.run(ctx, input, binary)
}

func (r *Runner) run(ctx context.Context, input, name string, args ...string) (string, string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.dir
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", r.timeoutMessage()
	}

	errMsg := stderr.String()
	if err != nil && errMsg == "" {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			errMsg = err.Error()
		}
	}
	return stdout.String(), errMsg
}

func (r *Runner) timeoutMessage() string {
	return fmt.Sprintf("Execution timed out (%s limit)", r.timeout)
}

func shortID() string {
	return uuid.NewString()[:8]
}
