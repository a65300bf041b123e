package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the inboxes and deliver queued activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.ensureInstanceActor(ctx); err != nil {
				return err
			}

			a.log.Info("Starting",
				zap.String("version", util.GetVersion()),
				zap.String("domain", a.conf.Conf.SslDomain),
				zap.Int("workers", a.conf.Federation.Workers))

			server := web.NewServer(a.conf, a.db, a.receiver(), a.log)
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Run(ctx)
			})
			if a.conf.Conf.WithAp {
				deliverer := a.deliverer()
				g.Go(func() error {
					return deliverer.Run(ctx)
				})
			}
			err = g.Wait()
			a.log.Info("Stopped")
			return err
		},
	}
}
