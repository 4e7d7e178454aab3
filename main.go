// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"shellmates/internal"
)

const usage = "[USAGE]: ./shellmates [-server] [-config file] [-name name] [-addr address]"

type options struct {
	server     bool
	configPath string
	name       string
	addr       string
}

func parseArgs(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("shellmates", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&opts.server, "server", false, "run the chat server")
	fs.StringVar(&opts.configPath, "config", internal.DefaultConfigFile, "configuration file")
	fs.StringVar(&opts.name, "name", "", "display name")
	fs.StringVar(&opts.addr, "addr", "", "server endpoint (client) or listen address (server)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

// applyOptions lets flags override the configuration file
func applyOptions(cfg *internal.Config, opts options) {
	if opts.name != "" {
		cfg.Client.Name = opts.name
	}
	if opts.addr != "" {
		if opts.server {
			cfg.Server.Listen = opts.addr
		} else {
			cfg.Client.Endpoint = opts.addr
		}
	}
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Println(err)
		fmt.Println(usage)
		os.Exit(2)
	}

	cfg, err := internal.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	applyOptions(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	// the client UI owns the terminal
	var fallback io.Writer = io.Discard
	if opts.server {
		fallback = os.Stderr
	}
	logFile, err := internal.SetupLogging(cfg.Log, fallback)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer logFile.Close()

	if opts.server {
		err = runServer(cfg, opts.configPath)
	} else {
		err = runClient(cfg)
	}
	if err != nil {
		log.WithError(err).Error("exiting")
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(cfg internal.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := internal.NewServer(cfg.ServerConfig())
	listen := cfg.Server.Listen

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Printf("Listening on the port %s\n", listen)
		return server.Run(ctx, listen)
	})
	if cfg.Server.WatchConfig && fileExists(configPath) {
		g.Go(func() error {
			return internal.WatchConfig(ctx, configPath, func(next internal.Config) {
				server.SetPolicy(next.Server.Policy())
				if next.Server.Listen != listen {
					log.WithField("listen", next.Server.Listen).Warn("listen address change needs a restart, ignored")
				}
			})
		})
	}
	return g.Wait()
}

func runClient(cfg internal.Config) error {
	ui, err := NewClientUI(cfg)
	if err != nil {
		return err
	}
	defer ui.Close()
	return ui.Run()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
