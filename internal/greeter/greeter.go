package greeter

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/procgroup"
)

// AddressEnv carries the channel address to the greeter process.
const AddressEnv = "MDM_GREETER_ADDRESS"

const stopTimeout = 5 * time.Second

var ErrNoCommand = errors.New("greeter: no greeter command")

type Options struct {
	Command        string
	User           string
	DisplayID      string
	DisplayName    string
	XAuthorityFile string
	Seat           string
	SocketDir      string
	RateLimiter    *ipc.RateLimiter
}

// Greeter is a greeter process together with the channel it talks over.
// The notification methods of Channel are forwarded to the process.
type Greeter struct {
	*Channel

	sched   eventloop.Scheduler
	handler Handler
	opts    Options
	lookup  func(name string) (*user.User, error)

	cmd    *exec.Cmd
	exited chan struct{}
}

func New(sched eventloop.Scheduler, opts Options, handler Handler) *Greeter {
	return &Greeter{
		sched:   sched,
		handler: handler,
		opts:    opts,
		lookup:  user.Lookup,
	}
}

// Start opens the channel and launches the greeter as the configured user.
func (g *Greeter) Start() error {
	if g.cmd != nil {
		return ErrAlreadyStarted
	}
	argv, err := shellquote.Split(g.opts.Command)
	if err != nil {
		return fmt.Errorf("greeter: parse command: %w", err)
	}
	if len(argv) == 0 {
		return ErrNoCommand
	}

	u, err := g.lookup(g.opts.User)
	if err != nil {
		return fmt.Errorf("greeter: look up user %q: %w", g.opts.User, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("greeter: bad uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("greeter: bad gid %q: %w", u.Gid, err)
	}

	opts := []ChannelOption{
		WithChannelAuthorizer(ipc.UIDAuthorizer(uint32(uid), uint32(os.Geteuid()))),
	}
	if g.opts.SocketDir != "" {
		opts = append(opts, WithChannelSocketDir(g.opts.SocketDir))
	}
	if g.opts.RateLimiter != nil {
		opts = append(opts, WithChannelRateLimiter(g.opts.RateLimiter))
	}
	channel := NewChannel(g.sched, g.opts.DisplayID, g.handler, opts...)
	if err := channel.Start(); err != nil {
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = Environment(u, g.opts, channel.Address())
	cmd.Dir = "/"
	procgroup.Set(cmd)
	runAs(cmd, uint32(uid), uint32(gid))

	if err := cmd.Start(); err != nil {
		channel.Stop()
		return fmt.Errorf("greeter: start %s: %w", argv[0], err)
	}
	log.Info("greeter started", logging.KeyDisplay, g.opts.DisplayID, "pid", cmd.Process.Pid, "user", u.Username)

	g.Channel = channel
	g.cmd = cmd
	g.exited = make(chan struct{})
	go g.wait(cmd, g.exited)
	return nil
}

func (g *Greeter) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	var ev Event = Exited{}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ev = Exited{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ev = Died{Signal: int(ws.Signal())}
		}
	}
	g.sched.Post(func() {
		if g.cmd != cmd {
			return
		}
		g.cmd = nil
		g.Channel.Stop()
		log.Info("greeter ended", logging.KeyDisplay, g.opts.DisplayID, "event", fmt.Sprintf("%#v", ev))
		if g.handler != nil {
			g.handler(ev)
		}
	})
}

func (g *Greeter) Running() bool {
	return g.cmd != nil
}

// Stop terminates the greeter and closes the channel. No event is reported
// for a stopped greeter.
func (g *Greeter) Stop() {
	cmd := g.cmd
	if cmd == nil {
		return
	}
	g.cmd = nil
	g.Channel.Stop()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug("signal greeter", logging.KeyError, err)
	}
	select {
	case <-g.exited:
		return
	case <-time.After(stopTimeout):
	}
	log.Warn("greeter did not exit, killing it", logging.KeyDisplay, g.opts.DisplayID)
	if err := procgroup.Kill(cmd); err != nil {
		log.Warn("kill greeter", logging.KeyError, err)
	}
	<-g.exited
}

// Environment returns the sorted environment of the greeter process.
func Environment(u *user.User, opts Options, address string) []string {
	home := u.HomeDir
	if home == "" {
		home = "/"
	}
	env := map[string]string{
		"LOGNAME":           u.Username,
		"USER":              u.Username,
		"USERNAME":          u.Username,
		"HOME":              home,
		"PWD":               home,
		"SHELL":             "/bin/sh",
		"DISPLAY":           opts.DisplayName,
		"XAUTHORITY":        opts.XAuthorityFile,
		"PATH":              os.Getenv("PATH"),
		"RUNNING_UNDER_MDM": "true",
		AddressEnv:          address,
	}
	if opts.Seat != "" {
		env["MDM_SEAT_ID"] = opts.Seat
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
