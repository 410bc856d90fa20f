// Package direct implements a session.Session that runs the conversation in
// this process on top of a Backend.
//
// Backend calls are queued and run in order on a dedicated goroutine; their
// outcomes are posted back to the scheduler as session events. Every
// conversation carries a generation number, and outcomes belonging to a
// cancelled or closed generation are dropped.
package direct

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/secmem"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

var log = logging.L("direct")

var ErrCancelled = errors.New("direct: conversation cancelled")

// Session must be driven from its scheduler's goroutine.
type Session struct {
	sched      eventloop.Scheduler
	handler    session.Handler
	newBackend BackendFactory

	tracker  session.Tracker
	queue    *queue
	gen      atomic.Uint64
	ctx      context.Context
	cancel   context.CancelFunc
	backend  Backend
	answers  chan *secmem.SecureString
	querying bool

	username string
	hints    StartRequest
}

var (
	_ session.Session      = (*Session)(nil)
	_ session.UserReporter = (*Session)(nil)
)

func New(sched eventloop.Scheduler, handler session.Handler, newBackend BackendFactory) *Session {
	s := &Session{
		sched:      sched,
		handler:    handler,
		newBackend: newBackend,
		queue:      newQueue(),
	}
	s.resetGeneration()
	return s
}

func (s *Session) resetGeneration() {
	if s.cancel != nil {
		s.cancel()
	}
	s.gen.Store(session.NextGeneration())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.answers = make(chan *secmem.SecureString, 1)
	s.querying = false
}

// Generation returns the current conversation generation.
func (s *Session) Generation() uint64 {
	return s.gen.Load()
}

// Username returns the user the conversation is for, as far as it is known.
func (s *Session) Username() string {
	return s.username
}

// submit queues fn to run on the backend goroutine for the current
// generation. Its result is delivered on the scheduler unless the
// generation has moved on by then.
func (s *Session) submit(op string, fn func(ctx context.Context, b Backend) result) {
	gen := s.gen.Load()
	ctx := s.ctx
	b := s.backend
	ok := s.queue.push(func() {
		if s.gen.Load() != gen || ctx.Err() != nil {
			log.Debug("skipping cancelled step", "op", op, logging.KeyGeneration, gen)
			return
		}
		res := fn(ctx, b)
		s.sched.Post(func() { s.deliver(gen, res) })
	})
	if !ok {
		log.Warn("session closed, dropping step", "op", op)
	}
}

type result struct {
	ev       session.Event
	username string
	proc     Process
}

func (s *Session) deliver(gen uint64, res result) {
	if s.tracker.Closed() || gen != s.gen.Load() {
		if res.ev != nil {
			log.Debug("dropping stale event", logging.KeyMember, res.ev.Name(), logging.KeyGeneration, gen)
		}
		return
	}
	if res.username != "" && res.username != s.username {
		s.username = res.username
		s.emit(session.SelectedUserChanged{Text: res.username})
	}
	if res.ev == nil {
		return
	}
	s.emit(res.ev)
	if res.proc != nil {
		s.watch(gen, res.proc)
	}
}

func (s *Session) emit(ev session.Event) {
	s.tracker.Observe(ev)
	if s.handler != nil {
		s.handler(ev)
	}
}

// watch reports the end of a started session process.
func (s *Session) watch(gen uint64, proc Process) {
	go func() {
		status, err := proc.Wait()
		s.sched.Post(func() {
			if err != nil {
				log.Warn("lost track of session process", "pid", proc.Pid(), logging.KeyError, err)
			}
			var ev session.Event = session.SessionExited{Code: status.Code}
			if status.Signaled {
				ev = session.SessionDied{Signal: status.Signal}
			}
			s.deliver(gen, result{ev: ev})
		})
	}()
}

func (s *Session) begin(op session.Op) bool {
	if err := s.tracker.Begin(op); err != nil {
		log.Warn("rejecting session request", "op", op, logging.KeyError, err)
		return false
	}
	return true
}

func (s *Session) StartConversation() {
	if !s.begin(session.OpStartConversation) {
		return
	}
	if s.backend == nil {
		s.backend = s.newBackend()
	}
	s.submit("StartConversation", func(context.Context, Backend) result {
		return result{ev: session.ConversationStarted{}}
	})
}

func (s *Session) Setup(service string) {
	s.setup(service, "")
}

func (s *Session) SetupForUser(service, username string) {
	s.setup(service, username)
}

func (s *Session) setup(service, username string) {
	if !s.begin(session.OpSetup) {
		return
	}
	s.username = username
	gen := s.gen.Load()
	conv := &conversation{s: s, gen: gen, answers: s.answers}
	s.submit("Setup", func(ctx context.Context, b Backend) result {
		if err := b.Setup(ctx, service, username, conv); err != nil {
			log.Info("setup failed", "service", service, logging.KeyError, err)
			return result{ev: session.SetupFailed{Message: failureText(err)}}
		}
		return result{ev: session.SetupComplete{}}
	})
}

func (s *Session) Authenticate() {
	if !s.begin(session.OpAuthenticate) {
		return
	}
	s.submit("Authenticate", func(ctx context.Context, b Backend) result {
		if err := b.Authenticate(ctx); err != nil {
			log.Info("authentication failed", logging.KeyError, err)
			return result{ev: session.AuthenticationFailed{Message: failureText(err)}, username: b.Username()}
		}
		return result{ev: session.Authenticated{}, username: b.Username()}
	})
}

func (s *Session) Authorize() {
	if !s.begin(session.OpAuthorize) {
		return
	}
	s.submit("Authorize", func(ctx context.Context, b Backend) result {
		if err := b.Authorize(ctx); err != nil {
			log.Info("authorization failed", logging.KeyError, err)
			return result{ev: session.AuthorizationFailed{Message: failureText(err)}}
		}
		return result{ev: session.Authorized{}}
	})
}

func (s *Session) Accredit(flag session.CredFlag) {
	if !s.begin(session.AccreditOp(flag)) {
		return
	}
	s.submit("Accredit", func(ctx context.Context, b Backend) result {
		if err := b.Accredit(ctx, flag); err != nil {
			log.Info("accreditation failed", "flag", flag, logging.KeyError, err)
			return result{ev: session.AccreditationFailed{Message: failureText(err)}}
		}
		return result{ev: session.Accredited{}}
	})
}

func (s *Session) OpenSession() {
	if !s.begin(session.OpOpenSession) {
		return
	}
	s.submit("OpenSession", func(ctx context.Context, b Backend) result {
		if err := b.OpenSession(ctx); err != nil {
			log.Info("opening session failed", logging.KeyError, err)
			return result{ev: session.SessionOpenFailed{Message: failureText(err)}}
		}
		return result{ev: session.SessionOpened{}}
	})
}

func (s *Session) StartSession() {
	if !s.begin(session.OpStartSession) {
		return
	}
	req := s.hints
	s.submit("StartSession", func(ctx context.Context, b Backend) result {
		proc, err := b.StartSession(ctx, req)
		if err != nil {
			log.Error("starting session failed", logging.KeyError, err)
			return result{ev: session.SessionExited{Code: 1}}
		}
		return result{ev: session.SessionStarted{PID: proc.Pid()}, proc: proc}
	})
}

// AnswerQuery answers the query the backend is waiting on. Answers are
// sealed in locked memory until the backend consumes them.
func (s *Session) AnswerQuery(text string) {
	if !s.begin(session.OpHint) {
		return
	}
	if !s.querying {
		log.Warn("no pending query, dropping answer")
		return
	}
	s.querying = false
	select {
	case s.answers <- secmem.NewSecureString(text):
	default:
		log.Warn("query already answered")
	}
}

func (s *Session) SelectSession(name string) {
	if s.begin(session.OpHint) {
		s.hints.Session = name
	}
}

func (s *Session) SelectLanguage(name string) {
	if s.begin(session.OpHint) {
		s.hints.Language = name
	}
}

func (s *Session) SelectLayout(name string) {
	if s.begin(session.OpHint) {
		s.hints.Layout = name
	}
}

func (s *Session) SelectUser(name string) {
	if s.begin(session.OpHint) {
		s.username = name
	}
}

// Cancel abandons the conversation. Results of steps still running are
// dropped and a new conversation may be started.
func (s *Session) Cancel() {
	if !s.begin(session.OpCancel) {
		return
	}
	log.Debug("cancelling conversation", logging.KeyGeneration, s.gen.Load())
	s.retireBackend()
	s.resetGeneration()
	s.hints = StartRequest{}
}

// Close tears the conversation down. Late results are dropped.
func (s *Session) Close() {
	if s.tracker.Closed() {
		return
	}
	s.tracker.Close()
	s.retireBackend()
	s.cancel()
	s.queue.close()
}

func (s *Session) retireBackend() {
	b := s.backend
	s.backend = nil
	s.cancel()
	if b == nil {
		return
	}
	s.queue.push(func() {
		if err := b.Close(); err != nil {
			log.Warn("closing backend", logging.KeyError, err)
		}
	})
}

// conversation forwards backend prompts to the owner as events.
type conversation struct {
	s       *Session
	gen     uint64
	answers chan *secmem.SecureString
}

func (c *conversation) post(ev session.Event, query bool) {
	c.s.sched.Post(func() {
		if c.s.tracker.Closed() || c.gen != c.s.gen.Load() {
			return
		}
		if query {
			c.s.querying = true
		}
		c.s.emit(ev)
	})
}

func (c *conversation) Info(ctx context.Context, text string) error {
	c.post(session.Info{Text: text}, false)
	return ctx.Err()
}

func (c *conversation) Problem(ctx context.Context, text string) error {
	c.post(session.Problem{Text: text}, false)
	return ctx.Err()
}

func (c *conversation) InfoQuery(ctx context.Context, text string) (*secmem.SecureString, error) {
	c.post(session.InfoQuery{Text: text}, true)
	return c.wait(ctx)
}

func (c *conversation) SecretInfoQuery(ctx context.Context, text string) (*secmem.SecureString, error) {
	c.post(session.SecretInfoQuery{Text: text}, true)
	return c.wait(ctx)
}

func (c *conversation) wait(ctx context.Context) (*secmem.SecureString, error) {
	select {
	case answer := <-c.answers:
		return answer, nil
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}
