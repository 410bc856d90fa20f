//go:build linux

package hooks

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir string, hook Hook, name, body string, mode os.FileMode) string {
	t.Helper()
	hookDir := filepath.Join(dir, string(hook))
	if err := os.MkdirAll(hookDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(hookDir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRunner(dir string, display Display) *Runner {
	r := NewRunner(dir, 5*time.Second, display)
	r.lookup = func(name string) (*user.User, error) {
		switch name {
		case "alice":
			return &user.User{Username: "alice", HomeDir: "/home/alice"}, nil
		case "bob":
			return &user.User{Username: "bob", HomeDir: "/home/bob"}, nil
		}
		return nil, user.UnknownUserError(name)
	}
	return r
}

func TestFindOrder(t *testing.T) {
	tests := []struct {
		name    string
		scripts map[string]os.FileMode
		want    string
	}{
		{"display first", map[string]os.FileMode{":0": 0755, "host": 0755, "Default": 0755}, ":0"},
		{"host second", map[string]os.FileMode{"host": 0755, "Default": 0755}, "host"},
		{"default last", map[string]os.FileMode{"Default": 0755}, "Default"},
		{"skip non-executable", map[string]os.FileMode{":0": 0644, "Default": 0755}, "Default"},
		{"none", map[string]os.FileMode{":0": 0644}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, mode := range tt.scripts {
				writeScript(t, dir, PreSession, name, "exit 0", mode)
			}
			r := newTestRunner(dir, Display{Name: ":0", Hostname: "host", IsLocal: true})
			got, ok := r.Find(PreSession)
			if tt.want == "" {
				if ok {
					t.Fatalf("Find = %q, want none", got)
				}
				return
			}
			if filepath.Base(got) != tt.want {
				t.Fatalf("Find = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, string(Init), ":0"), 0755); err != nil {
		t.Fatal(err)
	}
	r := newTestRunner(dir, Display{Name: ":0"})
	if got, ok := r.Find(Init); ok {
		t.Fatalf("Find = %q, want none", got)
	}
}

func TestRunWithoutScript(t *testing.T) {
	r := newTestRunner(t.TempDir(), Display{Name: ":0"})
	res, err := r.Run(context.Background(), Init, "mdm")
	if err != nil || res != nil {
		t.Fatalf("Run = %v, %v; want nil, nil", res, err)
	}
}

func TestRunEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, PostLogin, "Default", "env", 0755)
	r := newTestRunner(dir, Display{
		Name:           ":1",
		Hostname:       "remote.example",
		XAuthorityFile: "/var/run/mdm/auth-for-mdm/database",
		AuthDir:        "/var/lib/mdm",
		IsLocal:        false,
	})

	res, err := r.Run(context.Background(), PostLogin, "alice")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() {
		t.Fatalf("exit code = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	for _, want := range []string{
		"HOME=/home/alice",
		"PWD=/home/alice",
		"LOGNAME=alice",
		"USER=alice",
		"USERNAME=alice",
		"DISPLAY=:1",
		"XAUTHORITY=/var/run/mdm/auth-for-mdm/database",
		"X_SERVERS=/var/lib/mdm/:1.Xservers",
		"REMOTE_HOST=remote.example",
		"PATH=" + SessionPath,
		"RUNNING_UNDER_MDM=true",
	} {
		if !strings.Contains(res.Stdout, want+"\n") {
			t.Errorf("environment missing %q", want)
		}
	}
}

func TestEnvironmentLocalDisplay(t *testing.T) {
	r := newTestRunner(t.TempDir(), Display{Name: ":0", Hostname: "box", IsLocal: true})
	env := strings.Join(r.Environment(""), "\n")
	if strings.Contains(env, "REMOTE_HOST=") {
		t.Error("local display exports REMOTE_HOST")
	}
	if strings.Contains(env, "USER=") {
		t.Error("environment without login exports USER")
	}
	if !strings.Contains(env, "HOME=/") || !strings.Contains(env, "SHELL=/bin/sh") {
		t.Errorf("missing defaults in %q", env)
	}
}

func TestRunExitCode(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, PostSession, "Default", "exit 3", 0755)
	r := newTestRunner(dir, Display{Name: ":0"})
	res, err := r.Run(context.Background(), PostSession, "bob")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 || res.Success() {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestRunTimeoutKillsScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, Init, "Default", "sleep 30 & sleep 30", 0755)
	r := newTestRunner(dir, Display{Name: ":0"})
	r.timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := r.Run(context.Background(), Init, "mdm")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run took %s after timeout", elapsed)
	}
}

func TestResolveLogin(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(dir, Display{Name: ":0"})

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain user", "alice", "alice", false},
		{"unknown user", "mallory", "", true},
		{"empty", "", "", true},
		{"command", "echo '  bob  '|", "bob", false},
		{"command printing unknown user", "echo mallory|", "", true},
		{"command printing nothing", "true|", "", true},
		{"unparsable command", "echo 'oops|", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveLogin(context.Background(), tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolveLogin(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ResolveLogin(%q) = %q, %v; want %q", tt.input, got, err, tt.want)
			}
		})
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 4}
	for _, chunk := range []string{"ab", "cdef", "gh"} {
		n, err := w.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if buf.String() != "abcd" {
		t.Fatalf("buffer = %q, want %q", buf.String(), "abcd")
	}
}
