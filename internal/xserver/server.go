// Package xserver starts and watches the X server of a local display.
package xserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/procgroup"
)

var log = logging.L("xserver")

var (
	ErrAlreadyStarted = errors.New("xserver: already started")
	ErrNoCommand      = errors.New("xserver: no server command")
)

const (
	readyPollInterval = 100 * time.Millisecond
	stopTimeout       = 5 * time.Second
	logMaxSizeMB      = 1
	logBackups        = 4
)

var vtArg = regexp.MustCompile(`^vt([0-9]{1,2})$`)

// Event is reported by a Server on its scheduler.
type Event interface {
	isEvent()
}

type (
	Ready  struct{}
	Exited struct{ Code int }
	Died   struct{ Signal int }
)

func (Ready) isEvent()  {}
func (Exited) isEvent() {}
func (Died) isEvent()   {}

// Options describe the server to run.
type Options struct {
	Display   string
	Command   string
	Args      string
	AuthFile  string
	VT        string
	LogDir    string
	SocketDir string
}

// Server is one X server process. Its methods must be called on the
// scheduler's goroutine.
type Server struct {
	sched   eventloop.Scheduler
	handler func(Event)
	opts    Options

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	exited  chan struct{}
	logFile io.WriteCloser
	mu      sync.Mutex
}

func New(sched eventloop.Scheduler, opts Options, handler func(Event)) *Server {
	return &Server{sched: sched, opts: opts, handler: handler}
}

// CommandLine returns the server's argv: the command, the display name,
// the configured arguments, the authority file and the VT.
func (s *Server) CommandLine() ([]string, error) {
	argv, err := shellquote.Split(s.opts.Command)
	if err != nil {
		return nil, fmt.Errorf("xserver: parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	extra, err := shellquote.Split(s.opts.Args)
	if err != nil {
		return nil, fmt.Errorf("xserver: parse arguments: %w", err)
	}

	out := []string{argv[0], s.opts.Display}
	out = append(out, argv[1:]...)
	out = append(out, extra...)
	if s.opts.AuthFile != "" {
		out = append(out, "-auth", s.opts.AuthFile)
	}

	hasVT := false
	for _, arg := range out[1:] {
		if vtArg.MatchString(arg) {
			hasVT = true
		}
	}
	if s.opts.VT != "" && !hasVT {
		out = append(out, s.opts.VT)
	}
	return out, nil
}

// DisplayDevice returns the tty the server runs on, or "" when unknown.
func (s *Server) DisplayDevice() string {
	argv, err := s.CommandLine()
	if err != nil {
		return ""
	}
	for _, arg := range argv[1:] {
		if m := vtArg.FindStringSubmatch(arg); m != nil {
			return "/dev/tty" + m[1]
		}
	}
	return ""
}

// Start launches the server. Ready is reported once its socket accepts
// connections, Exited or Died when the process ends.
func (s *Server) Start() error {
	if s.cmd != nil {
		return ErrAlreadyStarted
	}
	argv, err := s.CommandLine()
	if err != nil {
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "DISPLAY="+s.opts.Display)
	if out := s.openLog(); out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		s.closeLog()
		return fmt.Errorf("xserver: start %s: %w", argv[0], err)
	}
	log.Info("X server started", logging.KeyDisplay, s.opts.Display, "pid", cmd.Process.Pid)

	ctx, cancel := context.WithCancel(context.Background())
	s.cmd = cmd
	s.cancel = cancel
	s.exited = make(chan struct{})

	go s.wait(cmd, s.exited)
	go s.pollReady(ctx, s.exited)
	return nil
}

func (s *Server) openLog() io.Writer {
	if s.opts.LogDir == "" {
		return nil
	}
	path := filepath.Join(s.opts.LogDir, s.opts.Display+".log")
	w, err := logging.NewRotatingWriter(path, logMaxSizeMB, logBackups)
	if err != nil {
		log.Warn("cannot open X server log", "path", path, logging.KeyError, err)
		return nil
	}
	s.mu.Lock()
	s.logFile = w
	s.mu.Unlock()
	return w
}

func (s *Server) closeLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

func (s *Server) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)
	s.closeLog()

	var ev Event = Exited{}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ev = Exited{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ev = Died{Signal: int(ws.Signal())}
		}
	}
	s.sched.Post(func() {
		if s.cmd != cmd {
			return
		}
		s.cmd = nil
		s.cancel()
		log.Info("X server ended", logging.KeyDisplay, s.opts.Display, "event", fmt.Sprintf("%T", ev))
		s.emit(ev)
	})
}

func (s *Server) pollReady(ctx context.Context, exited chan struct{}) {
	c := &Connector{SocketDir: s.opts.SocketDir, Timeout: readyPollInterval}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if c.Connect(ctx, s.opts.Display) == nil {
			s.sched.Post(func() {
				if ctx.Err() == nil {
					s.emit(Ready{})
				}
			})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-exited:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) emit(ev Event) {
	if s.handler != nil {
		s.handler(ev)
	}
}

// Running reports whether the server process is alive.
func (s *Server) Running() bool {
	return s.cmd != nil
}

// Stop terminates the server, killing its process tree when it does not
// exit in time. No event is reported for a stopped server.
func (s *Server) Stop() error {
	cmd := s.cmd
	if cmd == nil {
		return nil
	}
	s.cmd = nil
	s.cancel()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug("signal X server", logging.KeyError, err)
	}
	select {
	case <-s.exited:
		return nil
	case <-time.After(stopTimeout):
	}
	log.Warn("X server did not exit, killing it", logging.KeyDisplay, s.opts.Display)
	if err := procgroup.Kill(cmd); err != nil {
		return fmt.Errorf("xserver: kill: %w", err)
	}
	<-s.exited
	return nil
}
