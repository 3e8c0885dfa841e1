package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/fedengine/util"
	"github.com/deemkeen/fedengine/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var pruneEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox, actor and webfinger endpoints and the delivery engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, pruneEvery)
		},
	}
	cmd.Flags().DurationVar(&pruneEvery, "prune-every", time.Hour, "interval of the retention pass, 0 disables it")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, pruneEvery time.Duration) error {
	log := util.NewLogger("cli")
	a, err := newApp(opts.conf, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("Serving", "domain", a.fed.Domain(), "site", a.site.ActorURI, "dedup", opts.conf.Conf.Dedup.Backend)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.delivery.Run(ctx)
	})
	g.Go(func() error {
		runPrune(ctx, a, pruneEvery)
		return nil
	})
	g.Go(func() error {
		return web.Router(ctx, opts.conf, a.fed, a.db)
	})

	err = g.Wait()
	log.Info("Stopped", "error", err)
	return err
}

// runPrune runs the retention pass every interval until ctx is done. A zero interval disables it.
func runPrune(ctx context.Context, a *app, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received, failed, err := a.prune(ctx)
			if err != nil {
				a.log.Error("Prune failed", "error", err)
				continue
			}
			a.log.Debug("Pruned", "received", received, "failed_deliveries", failed)
		}
	}
}
