// Package hooks runs the administrator's Init, PostLogin, PreSession and
// PostSession scripts for a display.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/procgroup"
)

var log = logging.L("hooks")

type Hook string

const (
	Init        Hook = "Init"
	PostLogin   Hook = "PostLogin"
	PreSession  Hook = "PreSession"
	PostSession Hook = "PostSession"
)

const (
	// DefaultTimeout bounds a script when no timeout is configured.
	DefaultTimeout = 60 * time.Second

	// MaxOutputSize is the maximum size of stdout/stderr kept per script.
	MaxOutputSize = 64 * 1024

	// DefaultScript is tried when no display or host specific script exists.
	DefaultScript = "Default"

	// SessionPath is PATH for scripts and enriched-login commands.
	SessionPath = "/usr/local/bin:/usr/bin:/bin"
)

var ErrTimeout = errors.New("hooks: script timed out")

// Display describes the display scripts run for.
type Display struct {
	Name           string
	Hostname       string
	XAuthorityFile string
	AuthDir        string
	IsLocal        bool
}

// Result is the outcome of one script run.
type Result struct {
	Script   string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the script exited with status zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner finds and runs hook scripts below a directory.
type Runner struct {
	dir     string
	timeout time.Duration
	display Display
	lookup  func(name string) (*user.User, error)
}

func NewRunner(dir string, timeout time.Duration, display Display) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{dir: dir, timeout: timeout, display: display, lookup: user.Lookup}
}

// Find returns the script to run for hook: the display specific one, then
// the host specific one, then Default.
func (r *Runner) Find(hook Hook) (string, bool) {
	candidates := []string{r.display.Name}
	if r.display.Hostname != "" {
		candidates = append(candidates, r.display.Hostname)
	}
	candidates = append(candidates, DefaultScript)

	for _, name := range candidates {
		if name == "" {
			continue
		}
		path := filepath.Join(r.dir, string(hook), name)
		if isExecutable(path) {
			return path, true
		}
		log.Debug("script not found, skipping", "path", path)
	}
	return "", false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}

// Run runs the script for hook on behalf of login. It returns a nil result
// and no error when there is no script for this display.
func (r *Runner) Run(ctx context.Context, hook Hook, login string) (*Result, error) {
	script, ok := r.Find(hook)
	if !ok {
		log.Debug("no script for hook", "hook", hook)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := &Result{Script: script, ExitCode: -1}
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(script)
	cmd.Dir = "/"
	cmd.Env = r.Environment(login)
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}
	procgroup.Set(cmd)

	log.Info("running hook", "hook", hook, "script", script, "user", login)
	start := time.Now()
	err := runBounded(ctx, cmd)
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch {
	case errors.Is(err, ErrTimeout):
		log.Warn("hook timed out", "hook", hook, "script", script, "timeout", r.timeout)
		return result, err
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			log.Warn("hook failed", "hook", hook, "script", script, "exitCode", result.ExitCode)
			return result, nil
		}
		log.Error("unable to run hook", "hook", hook, "script", script, logging.KeyError, err)
		return result, fmt.Errorf("hooks: run %s: %w", script, err)
	}

	result.ExitCode = 0
	log.Debug("hook completed", "hook", hook, "duration", result.Duration)
	return result, nil
}

// runBounded runs cmd until it exits or ctx ends, in which case the whole
// process tree is killed.
func runBounded(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if err := procgroup.Kill(cmd); err != nil {
			log.Warn("failed to kill script process tree", "pid", cmd.Process.Pid, logging.KeyError, err)
		}
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// limitedWriter discards output past limit without failing the writer.
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.written >= w.limit {
		return len(p), nil
	}
	n := len(p)
	if remaining := w.limit - w.written; n > remaining {
		p = p[:remaining]
	}
	written, err := w.buf.Write(p)
	w.written += written
	return n, err
}
