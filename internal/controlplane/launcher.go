package controlplane

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/procgroup"
)

// ExecLauncher starts product slaves by running this binary again.
type ExecLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// Args go before the run subcommand, e.g. a --config flag.
	Args []string
}

func (l *ExecLauncher) Launch(ctx context.Context, displayID, displayName string) (<-chan struct{}, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("controlplane: locate executable: %w", err)
		}
	}

	cmd := exec.Command(exe, l.argv(displayID, displayName)...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("controlplane: start product slave: %w", err)
	}
	log.Info("product slave started", logging.KeyDisplay, displayID, "name", displayName, "pid", cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil {
			log.Warn("product slave failed", logging.KeyDisplay, displayID, logging.KeyError, err)
		}
	}()
	return done, nil
}

// argv returns the arguments of a product slave, without the executable.
func (l *ExecLauncher) argv(displayID, displayName string) []string {
	args := append([]string(nil), l.Args...)
	return append(args, "run",
		"--variant", "product",
		"--display-id", displayID,
		"--display-name", displayName)
}
