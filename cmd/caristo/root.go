package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zoobzio/caristo"
	"github.com/zoobzio/caristo/blueprint"
	"github.com/zoobzio/caristo/collector"
)

func newRootCmd() *cobra.Command {
	v := newViper()
	var configFile string

	cmd := &cobra.Command{
		Use:   "caristo [input] [output]",
		Short: "Config watcher for Caddy server",
		Long: `caristo watches a directory of deployed websites and keeps a Caddy
configuration directory in sync with them. Every site's current release
contributes docker/caddy/Caddyfile and .env; variables are prefixed with the
site name and merged into one .env next to the per-site fragments.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configFile, args)
			if err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.Level)
			if err != nil {
				return err
			}
			hookLogger(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, log, cfg)
		},
	}

	flags := cmd.Flags()
	registerFlags(flags)
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(newApplyCmd())
	return cmd
}

// watch runs the pipeline until ctx is done. SIGHUP forces a rescan.
func watch(ctx context.Context, log *logrus.Logger, cfg Config) error {
	log.WithFields(logrus.Fields{
		"input":    cfg.Input,
		"output":   cfg.Output,
		"callback": cfg.Callback,
	}).Info("starting")

	reload := caristo.NewReloader(cfg.Callback).Interval(cfg.ReloadInterval)
	defer reload.Close()

	p := caristo.New(
		caristo.NewFSNotifier(cfg.Input),
		collector.NewOS(cfg.Input),
		blueprint.NewOSMaterializer(),
		cfg.Output,
		reload.Callback(),
	).Throttle(cfg.Throttle)

	if err := p.Start(ctx); err != nil && p.State() == caristo.StateStopped {
		return err
	}
	defer p.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			log.Info("rescan requested")
			p.Trigger()
		case <-p.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
