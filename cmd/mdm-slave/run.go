package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/config"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("main")

var (
	runVariant     string
	runDisplayID   string
	runDisplayName string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the slave for one display",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSlave()
	},
}

func init() {
	runCmd.Flags().StringVar(&runVariant, "variant", "", "slave variant: simple, factory or product (default from config)")
	runCmd.Flags().StringVar(&runDisplayID, "display-id", "", "display object id (default from config)")
	runCmd.Flags().StringVar(&runDisplayName, "display-name", "", "X display name, e.g. :1 (default from config)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if runVariant != "" {
		cfg.Variant = runVariant
	}
	if runDisplayID != "" {
		cfg.Display.ID = runDisplayID
	}
	if runDisplayName != "" {
		cfg.Display.Name = runDisplayName
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}
	if result.HasFatals() {
		return nil, errors.Join(result.Fatals...)
	}
	return cfg, nil
}

// initLogging configures the global logger. The returned writer is reopened
// on SIGHUP; it is nil when logging to stderr.
func initLogging(cfg *config.Config) (*logging.RotatingWriter, error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return nil, nil
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFile, 10, 5)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, io.MultiWriter(os.Stderr, rw))
	return rw, nil
}

func runSlave() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rw, err := initLogging(cfg)
	if err != nil {
		return err
	}
	if rw != nil {
		defer rw.Close()
	}

	loop := eventloop.New()
	w, err := newWiring(cfg, loop)
	if err != nil {
		return err
	}
	defer w.Close()

	ctrl, err := w.Controller()
	if err != nil {
		return err
	}

	log.Info("starting mdm-slave", "version", version, logging.KeyVariant, cfg.Variant,
		logging.KeyDisplay, cfg.Display.ID, "name", cfg.Display.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, eventloop.ErrStopped) {
			return err
		}
		return nil
	})

	started := make(chan error, 1)
	loop.Post(func() { started <- ctrl.Start() })

	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					if rw != nil {
						if err := rw.Reopen(); err != nil {
							log.Warn("reopen log file", logging.KeyError, err)
						}
					}
					continue
				}
				log.Info("shutting down", "signal", sig.String())
				loop.Post(ctrl.Stop)
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctrl.Done():
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	select {
	case err := <-started:
		if err == nil {
			if _, nerr := daemon.SdNotify(false, daemon.SdNotifyReady); nerr != nil {
				log.Debug("sd_notify", logging.KeyError, nerr)
			}
		}
	case <-ctx.Done():
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctrl.Err(); err != nil {
		return fmt.Errorf("slave failed: %w", err)
	}
	log.Info("slave stopped")
	return nil
}
