// remotectl-server hosts a small demo world and serves the remote control protocol for it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"remotectl/config"
	"remotectl/mailbox"
	"remotectl/middleware"
	"remotectl/registry"
	"remotectl/server"
	"remotectl/verb"
	"remotectl/world"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("remotectl-server", pflag.ContinueOnError)
	cfg, err := config.Parse(flagSet, args, func(c *config.Config, fs *pflag.FlagSet) {
		c.BindServerFlags(fs)
		c.BindRegistryFlags(fs)
		c.BindLogFlags(fs)
	})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	w := world.New(nil)
	demo, err := newScene(w, logger)
	if err != nil {
		return fmt.Errorf("building scene: %w", err)
	}

	mb := mailbox.New(cfg.Server.MailboxSize)
	dispatcher := server.NewDispatcher(mb, verb.NewDefaultRegistry(), w, logger)
	loop := server.NewLoop(dispatcher, cfg.Server.TickRate)
	loop.Prepare = []server.System{demo.spinCube}
	loop.After = []server.System{demo.consumeMarkers, demo.aimCamera, demo.countFrames}

	svr := server.NewServer(mb, logger)
	svr.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)
	svr.EnableWebSocket(cfg.Server.WebSocket)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst))
	svr.Use(middleware.MaxInFlightAgeMiddleware(cfg.Server.MaxInFlightAge))

	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		svr.Advertise(reg, cfg.Registry.Service, cfg.Registry.Advertise, cfg.Registry.TTLSeconds)
	}

	if err := svr.Listen(cfg.ListenAddress()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loop outlives Shutdown so requests still queued get answered.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(loopCtx) })
	g.Go(svr.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		err := svr.Shutdown(cfg.Server.ShutdownTimeout)
		stopLoop()
		mb.Close()
		return err
	})

	logger.Info("demo world ready",
		"url", svr.URL(),
		"camera", demo.camera,
		"light", demo.light,
		"cube", demo.cube,
		"tick_rate", cfg.Server.TickRate,
	)
	return g.Wait()
}
