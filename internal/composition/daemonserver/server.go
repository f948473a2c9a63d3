// Package daemonserver wires the runtime to the JSON-RPC transport.
package daemonserver

import (
	"context"
	"time"

	"icgate/go-backend/internal/adapters/rpc"
	"icgate/go-backend/internal/app"
	"icgate/go-backend/internal/config"
	"icgate/go-backend/internal/platform/ratelimiter"
)

// Daemon is a runtime plus the RPC server exposing it.
type Daemon struct {
	Runtime *app.Runtime
	Server  *rpc.Server
}

// New builds the runtime from cfg and the RPC server in front of it.
func New(ctx context.Context, cfg config.Config, opts app.Options) (*Daemon, error) {
	rt, err := app.NewRuntime(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	srv := rpc.NewServer(rpc.Options{
		Addr:         cfg.RPC.Listen,
		Token:        cfg.RPC.Token,
		MaxBodyBytes: cfg.RPC.MaxBodyBytes,
		Identity:     rt.Identity,
		Registry:     rt.Registry,
		Caller:       rt.Controller,
		Doctor:       rt,
		Limiter:      ratelimiter.New(cfg.RPC.RateLimitRPS, cfg.RPC.RateLimitBurst, 10*time.Minute),
		Metrics:      rt.Metrics.Handler(),
		Observer:     rt.Metrics,
		Logger:       rt.Logger.With("component", "rpc"),
		Now:          opts.Now,
	})
	return &Daemon{Runtime: rt, Server: srv}, nil
}

// Run serves until ctx is done and then closes the runtime.
func (d *Daemon) Run(ctx context.Context) error {
	runErr := d.Server.Run(ctx)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Runtime.Close(closeCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
