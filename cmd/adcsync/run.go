package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/adcsync/internal/config"
	"github.com/agentworkforce/adcsync/internal/listwatch"
	"github.com/agentworkforce/adcsync/internal/statusapi"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the configured sources and keep the portal up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	a, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	queue, err := listwatch.BuildItemQueueFromDSN(cfg.Queue.DSN, cfg.Queue.Capacity)
	if err != nil {
		return err
	}
	defer queue.Close()

	runner, err := listwatch.NewRunner(listwatch.RunnerOptions{
		Engine:      a.engine,
		Queue:       queue,
		Workers:     cfg.Runner.Workers,
		MaxAttempts: cfg.Runner.MaxAttempts,
		RetryDelay:  cfg.Runner.RetryDelay.Std(),
		Logger:      log.StandardLogger(),
	})
	if err != nil {
		return err
	}
	sources, err := buildSources(cfg, a)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no sources configured: set spool.dir or feed.domain")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(ctx)
	})
	for _, source := range sources {
		source := source
		g.Go(func() error {
			log.WithField("source", source.Name()).Info("source started")
			return source.Run(ctx, runner.Emit)
		})
	}
	if cfg.Status.Addr != "" {
		server := &http.Server{
			Addr: cfg.Status.Addr,
			Handler: statusapi.NewServer(statusapi.Deps{
				Runner:   runner,
				Governor: a.governor,
				Session:  a.handle,
				Checker:  a.engine,
			}, statusapi.ServerConfig{
				AdminToken: cfg.Status.AdminToken,
				Backend:    cfg.Backend,
				Logger:     log.StandardLogger(),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.WithField("addr", cfg.Status.Addr).Info("status server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	stats := runner.Stats()
	log.WithFields(log.Fields{
		"processed": stats.Processed,
		"failed":    stats.Failed,
		"retried":   stats.Retried,
		"pending":   stats.QueueDepth,
	}).Info("adcsync stopped")
	return err
}

func buildSources(cfg config.Config, a *app) ([]listwatch.Source, error) {
	var sources []listwatch.Source
	if cfg.Spool.Dir != "" {
		spool, err := listwatch.NewDirSource(listwatch.DirSourceOptions{
			Root:     cfg.Spool.Dir,
			BasePath: cfg.Spool.BasePath,
			Gate:     a.governor,
			Watch:    cfg.Spool.Watch,
			Quiet:    cfg.Spool.Quiet.Std(),
			Logger:   log.StandardLogger(),
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, spool)
	}
	if cfg.Feed.Domain != "" {
		client, err := listwatch.NewFeedClient(listwatch.FeedClientOptions{
			Domain:    cfg.Feed.Domain,
			Token:     cfg.Feed.Token,
			UserAgent: "adcsync",
		})
		if err != nil {
			return nil, err
		}
		feed, err := listwatch.NewFeedSource(listwatch.FeedSourceOptions{
			Client:          client,
			Lists:           cfg.Feed.Lists,
			Checker:         a.engine,
			Gate:            a.governor,
			ReconnectDelay:  cfg.Feed.ReconnectDelay.Std(),
			ReconnectJitter: cfg.Feed.ReconnectJitter,
			Logger:          log.StandardLogger(),
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, feed)
	}
	return sources, nil
}
