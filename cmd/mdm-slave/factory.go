package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/config"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/controlplane"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var factoryCmd = &cobra.Command{
	Use:   "display-factory",
	Short: "Serve the local display factory on the system bus",
	Long: `display-factory owns the display manager's bus name and creates product
displays for factory slaves, starting one product slave per display.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFactory()
	},
}

func runFactory() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rw, err := initLogging(cfg)
	if err != nil {
		return err
	}
	if rw != nil {
		defer rw.Close()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	launcher := &controlplane.ExecLauncher{}
	if cfgFile != "" {
		launcher.Args = []string{"--config", cfgFile}
	}
	// product displays start above the seat's own display
	svc := controlplane.NewService(conn, cfg.DBus.FactoryName, launcher,
		controlplane.WithFirstDisplay(cfg.Display.Number+1))
	if err := svc.Start(); err != nil {
		return err
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify", logging.KeyError, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
		log.Info("shutting down display factory")
	case <-svc.Dying():
	}
	return svc.Stop()
}
