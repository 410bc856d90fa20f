package main

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/audit"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/bridge"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/config"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/controlplane"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/direct"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/greeter"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/hooks"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/login1"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/relay"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/slave"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/worker"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/xserver"
)

// wiring builds the real collaborators of a controller from the config.
type wiring struct {
	cfg     *config.Config
	loop    *eventloop.Loop
	bus     *dbus.Conn
	limiter *ipc.RateLimiter
	history *audit.Logger
}

func newWiring(cfg *config.Config, loop *eventloop.Loop) (*wiring, error) {
	perSecond := cfg.Relay.MaxConnectsPerSecond
	w := &wiring{
		cfg:     cfg,
		loop:    loop,
		limiter: ipc.NewRateLimiter(float64(perSecond), perSecond),
	}
	if cfg.Audit.File != "" {
		history, err := audit.NewLogger(cfg.Audit)
		if err != nil {
			log.Warn("login history unavailable", logging.KeyError, err)
		} else {
			w.history = history
		}
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		if cfg.Variant != config.VariantSimple {
			w.history.Close()
			return nil, fmt.Errorf("%w: system bus: %v", slave.ErrControlPlane, err)
		}
		log.Warn("system bus unavailable, session migration disabled", logging.KeyError, err)
		return w, nil
	}
	w.bus = conn
	return w, nil
}

func (w *wiring) Close() {
	if w.bus != nil {
		w.bus.Close()
	}
	if err := w.history.Close(); err != nil {
		log.Warn("close login history", logging.KeyError, err)
	}
}

func (w *wiring) Controller() (slave.Controller, error) {
	deps := w.deps()
	switch w.cfg.Variant {
	case config.VariantSimple:
		return slave.NewSimple(deps), nil
	case config.VariantFactory:
		return slave.NewFactory(deps), nil
	case config.VariantProduct:
		return slave.NewProduct(deps), nil
	}
	return nil, fmt.Errorf("unknown variant %q", w.cfg.Variant)
}

func (w *wiring) deps() slave.Deps {
	cfg := w.cfg
	d := slave.Deps{
		Sched: w.loop,
		Display: slave.Display{
			ID:      cfg.Display.ID,
			Name:    cfg.Display.Name,
			Seat:    cfg.Display.Seat,
			IsLocal: cfg.Display.IsLocal,
		},
		NewServer:  w.newServer,
		Connector:  &xserver.Connector{},
		NewGreeter: w.newGreeter,
		NewSession: w.newSession,
		NewRelay:   w.newRelay,
		NewBridge:  w.newBridge,

		GreeterUser: cfg.Greeter.User,
		TimedLogin: slave.TimedLogin{
			Enabled: cfg.TimedLogin.Enable,
			User:    cfg.TimedLogin.User,
			Delay:   cfg.TimedLoginDelay(),
		},
		ConnectInterval:    cfg.ConnectInterval(),
		MaxConnectAttempts: cfg.Connect.MaxAttempts,
		ResetDelay:         cfg.ResetDelay(),
	}
	if cfg.Hooks.Dir != "" {
		d.Hooks = hooks.NewRunner(cfg.Hooks.Dir, cfg.HookTimeout(), hooks.Display{
			Name:           cfg.Display.Name,
			Hostname:       cfg.Display.Hostname,
			XAuthorityFile: cfg.Display.X11AuthorityFile,
			IsLocal:        cfg.Display.IsLocal,
		})
	}
	if w.history != nil {
		d.Audit = w.history
	}
	if w.bus != nil {
		d.Migrator = login1.New(w.bus, cfg.Display.Seat)
		d.Factory = controlplane.NewFactoryClient(w.bus, cfg.DBus.FactoryName, dbus.ObjectPath(cfg.DBus.FactoryPath))
		d.Locator = controlplane.NewProductDisplayClient(w.bus, cfg.DBus.FactoryName, cfg.Display.ID)
	}
	return d
}

func (w *wiring) newServer(handler func(xserver.Event)) slave.Server {
	cfg := w.cfg
	return xserver.New(w.loop, xserver.Options{
		Display:  cfg.Display.Name,
		Command:  cfg.Server.Command,
		Args:     cfg.Server.Args,
		AuthFile: cfg.Display.X11AuthorityFile,
		VT:       cfg.Server.VT,
		LogDir:   cfg.Server.LogDir,
	}, handler)
}

func (w *wiring) newGreeter(handler greeter.Handler) slave.Greeter {
	cfg := w.cfg
	return greeter.New(w.loop, greeter.Options{
		Command:        cfg.Greeter.Command,
		User:           cfg.Greeter.User,
		DisplayID:      cfg.Display.ID,
		DisplayName:    cfg.Display.Name,
		XAuthorityFile: cfg.Display.X11AuthorityFile,
		Seat:           cfg.Display.Seat,
		SocketDir:      cfg.Greeter.SocketDir,
		RateLimiter:    w.limiter,
	}, handler)
}

func (w *wiring) newSession(handler session.Handler) session.Session {
	cfg := w.cfg
	launcher := &worker.Launcher{
		Command: cfg.Session.WorkerCommand,
		Display: worker.Display{
			Name:           cfg.Display.Name,
			Hostname:       cfg.Display.Hostname,
			Seat:           cfg.Display.Seat,
			XAuthorityFile: cfg.Display.X11AuthorityFile,
			IsLocal:        cfg.Display.IsLocal,
		},
	}
	return direct.New(w.loop, handler, launcher.New)
}

func (w *wiring) newRelay(handler session.Handler) slave.Relay {
	cfg := w.cfg
	return relay.New(w.loop, handler,
		relay.WithSocketDir(cfg.Relay.SocketDir),
		relay.WithAuthorizer(ipc.UIDAuthorizer(cfg.Relay.AllowedUIDs...)),
		relay.WithRateLimiter(w.limiter),
	)
}

func (w *wiring) newBridge(startSession func(session.Session), observer session.Handler) slave.Bridge {
	return bridge.New(w.loop, w.newSession,
		bridge.WithStartSession(startSession),
		bridge.WithObserver(observer),
	)
}
