package main

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/agentworkforce/adcsync/internal/adcweb"
	"github.com/agentworkforce/adcsync/internal/config"
	"github.com/agentworkforce/adcsync/internal/metrics"
	"github.com/agentworkforce/adcsync/internal/portalsync"
	"github.com/agentworkforce/adcsync/internal/remote"
)

// app is the connected portal side shared by every command.
type app struct {
	cfg      config.Config
	handle   *remote.Handle
	governor *portalsync.Governor
	engine   *portalsync.Engine
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), adcweb.BackendName) {
		opts, err := cfg.WebOptions()
		if err != nil {
			return config.Config{}, err
		}
		opts.Logger = log.StandardLogger()
		adcweb.Register(opts)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// connect logs in once up front so bad credentials fail the command
// immediately.
func connect(ctx context.Context, cfg config.Config) (*app, error) {
	backend, err := remote.LookupBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	handle, err := remote.NewHandle(remote.HandleOptions{
		Backend:     backend,
		Credentials: cfg.Credentials(),
		Logger:      log.StandardLogger(),
		OnConnect: func(int) {
			metrics.SessionConnected()
		},
	})
	if err != nil {
		return nil, err
	}
	if err := handle.Connect(ctx); err != nil {
		return nil, err
	}
	governor := portalsync.NewGovernor(cfg.Engine.LocalConcurrency)
	engine, err := portalsync.NewEngine(portalsync.EngineOptions{
		Session:      handle,
		Governor:     governor,
		ChunkSize:    cfg.Engine.ChunkSize,
		ChunkRetries: cfg.Engine.ChunkRetries,
		RetryInitial: cfg.Engine.RetryInitial.Std(),
		RetryMax:     cfg.Engine.RetryMax.Std(),
		Logger:       log.StandardLogger(),
	})
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	return &app{cfg: cfg, handle: handle, governor: governor, engine: engine}, nil
}

func (a *app) Close() {
	if err := a.handle.Close(); err != nil {
		log.WithError(err).Warn("closing portal session failed")
	}
}
