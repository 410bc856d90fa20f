package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/direct"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/procgroup"
)

// FDEnv tells the worker which inherited descriptor is its connection.
const FDEnv = "MDM_WORKER_FD"

const reapTimeout = 5 * time.Second

var ErrNoCommand = errors.New("worker: no worker command configured")

// Launcher spawns session workers for a display.
type Launcher struct {
	Command string
	Display Display
	Env     []string
}

// New returns a backend that launches its worker on Setup. It has the
// signature of direct.BackendFactory.
func (l *Launcher) New() direct.Backend {
	return NewBackend(l.Launch, l.Display)
}

// Launch starts the worker command with one end of a socketpair as fd 3.
func (l *Launcher) Launch(ctx context.Context) (*Client, error) {
	argv, err := shellquote.Split(l.Command)
	if err != nil {
		return nil, fmt.Errorf("worker: parse command %q: %w", l.Command, err)
	}
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}

	local, remote, err := socketpair()
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.ExtraFiles = []*os.File{remote}
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, FDEnv+"=3")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		local.Close()
		return nil, fmt.Errorf("worker: start %s: %w", argv[0], err)
	}
	log.Info("session worker started", "pid", cmd.Process.Pid, "command", argv[0])

	conn, err := connFromFile(local)
	if err != nil {
		procgroup.Kill(cmd)
		cmd.Wait()
		return nil, err
	}
	return NewClient(conn, func() error { return reap(cmd) }), nil
}

// reap waits for the worker to exit after its connection closed, and kills
// it when it does not.
func reap(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Debug("session worker exited", "pid", cmd.Process.Pid, "exitCode", exitErr.ExitCode())
			return nil
		}
		return err
	case <-time.After(reapTimeout):
		log.Warn("session worker did not exit, killing it", "pid", cmd.Process.Pid)
		if err := procgroup.Kill(cmd); err != nil {
			return err
		}
		<-done
		return nil
	}
}
