//go:build unix

package greeter

import (
	"os"
	"os/exec"
	"syscall"
)

// runAs drops cmd to uid/gid when the slave runs as root.
func runAs(cmd *exec.Cmd, uid, gid uint32) {
	if os.Geteuid() != 0 || uid == 0 {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
}
