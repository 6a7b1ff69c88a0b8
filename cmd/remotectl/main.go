// remotectl inspects and edits a remote world from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"remotectl/client"
	"remotectl/config"
	"remotectl/loadbalance"
	"remotectl/message"
	"remotectl/registry"
	"syscall"

	"github.com/spf13/pflag"
)

// exitError carries a process exit code for an ERROR response, which is already printed.
type exitError struct{ code int }

func (e exitError) Error() string  { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are command flags that live outside the config file.
type options struct {
	with, without, option, has []string
	orbit                      orbitOptions
}

func run(args []string, out io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("remotectl", pflag.ContinueOnError)
	flagSet.StringSliceVar(&opts.with, "with", nil, "query: entities must also have these types")
	flagSet.StringSliceVar(&opts.without, "without", nil, "query: entities must not have these types")
	flagSet.StringSliceVar(&opts.option, "option", nil, "query: include these types when present")
	flagSet.StringSliceVar(&opts.has, "has", nil, "query: report presence of these types")
	opts.orbit.addFlags(flagSet)
	flagSet.Usage = func() { printHelp(flagSet) }

	cfg, err := config.Parse(flagSet, args, func(c *config.Config, fs *pflag.FlagSet) {
		c.BindClientFlags(fs)
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

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return exitError{code: 2}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, cleanup, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	c.RequestTimeout = cfg.Client.RequestTimeout

	if rest[0] == "orbit" {
		return runOrbit(ctx, c, cfg, opts.orbit, logger)
	}
	req, err := buildRequest(c, rest, opts)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := printResponse(out, resp); err != nil {
		return err
	}
	if resp.Status != message.StatusOK {
		return exitError{code: 1}
	}
	return nil
}

// connect uses the registry when etcd endpoints are configured, the URL otherwise.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*client.Client, func(), error) {
	if len(cfg.Registry.Endpoints) == 0 {
		c, err := client.Dial(ctx, cfg.Client.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}
	balancer, err := loadbalance.ForName(cfg.Client.Balancer)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
	if err != nil {
		return nil, nil, err
	}
	c := client.NewDiscovery(reg, balancer, cfg.Registry.Service, cfg.Client.ClientID, logger)
	return c, func() {
		c.Close()
		reg.Close()
	}, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `remotectl talks to a remote world over the remote control protocol.

Usage:
  remotectl [flags] query <type-path>...
  remotectl [flags] get <entity> <type-path>...
  remotectl [flags] list <entity>
  remotectl [flags] insert <entity> <type-path>=<json>...
  remotectl [flags] spawn [<type-path>=<json>...]
  remotectl [flags] remove <entity> <type-path>...
  remotectl [flags] destroy <entity>
  remotectl [flags] reparent <parent|null> <entity>...
  remotectl [flags] call <VERB> [<params-json>]
  remotectl [flags] orbit

Entities are written as the numeric handle (4294967297) or as index v generation (1v1).

Flags:
%s`, flagSet.FlagUsages())
}
