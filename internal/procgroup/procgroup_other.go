//go:build !unix

package procgroup

import "os/exec"

func Set(cmd *exec.Cmd) {}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
