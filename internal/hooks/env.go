package hooks

import (
	"path/filepath"
	"sort"
)

// Environment builds the script environment for login. An empty login
// yields the environment of no particular user.
func (r *Runner) Environment(login string) []string {
	env := map[string]string{
		"HOME":  "/",
		"PWD":   "/",
		"SHELL": "/bin/sh",
	}

	if login != "" {
		env["LOGNAME"] = login
		env["USER"] = login
		env["USERNAME"] = login

		if u, err := r.lookup(login); err == nil {
			if u.HomeDir != "" {
				env["HOME"] = u.HomeDir
				env["PWD"] = u.HomeDir
			}
			if shell := loginShell(u.Username); shell != "" {
				env["SHELL"] = shell
			}
		}
	}

	authDir := r.display.AuthDir
	if authDir == "" {
		authDir = "/var/lib/mdm"
	}
	env["X_SERVERS"] = filepath.Join(authDir, r.display.Name+".Xservers")
	if !r.display.IsLocal {
		env["REMOTE_HOST"] = r.display.Hostname
	}
	env["XAUTHORITY"] = r.display.XAuthorityFile
	env["DISPLAY"] = r.display.Name
	env["PATH"] = SessionPath
	env["RUNNING_UNDER_MDM"] = "true"

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
