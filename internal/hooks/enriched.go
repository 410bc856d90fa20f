package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/procgroup"
)

// CommandSuffix marks a timed-login user name that is really a command
// printing the user name.
const CommandSuffix = "|"

var ErrInvalidUser = errors.New("hooks: no such user")

// ResolveLogin turns a configured automatic or timed login name into a user
// name. A name ending in "|" is run as a command with the script
// environment and its trimmed output is the user name. The result must name
// an existing user.
func (r *Runner) ResolveLogin(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrInvalidUser
	}

	login := name
	if strings.HasSuffix(name, CommandSuffix) {
		out, err := r.runLoginCommand(ctx, strings.TrimSuffix(name, CommandSuffix))
		if err != nil {
			return "", err
		}
		login = out
	}

	if login == "" {
		return "", ErrInvalidUser
	}
	if _, err := r.lookup(login); err != nil {
		log.Debug("invalid user for timed login", "user", login, "error", err)
		return "", fmt.Errorf("%w: %s", ErrInvalidUser, login)
	}
	return login, nil
}

func (r *Runner) runLoginCommand(ctx context.Context, command string) (string, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return "", fmt.Errorf("hooks: parse login command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("hooks: empty login command")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = r.Environment("")
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	procgroup.Set(cmd)

	log.Debug("running command to acquire timed login user", "command", argv[0])
	if err := runBounded(ctx, cmd); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("hooks: login command %q: %w", argv[0], err)
		}
		// The exit status does not matter, only what was printed.
	}
	return strings.TrimSpace(stdout.String()), nil
}
