// Package procgroup runs helper processes in their own process group and
// tears down the whole tree they leave behind.
package procgroup

import (
	"errors"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

// KillTree kills pid and every descendant, deepest first.
func KillTree(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	children, _ := p.Children()
	for _, child := range children {
		KillTree(child.Pid)
	}
	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return nil
		}
		return err
	}
	return nil
}

// Kill kills the process group of cmd and then anything of the tree that
// escaped into another group.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pid := int32(cmd.Process.Pid)
	treeErr := KillTree(pid)
	if err := killGroup(cmd); err != nil && treeErr != nil {
		return treeErr
	}
	return nil
}
