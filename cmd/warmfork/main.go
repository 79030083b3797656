package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/warmfork/bundle"
	"github.com/guseggert/warmfork/client"
	"github.com/guseggert/warmfork/forker"
	"github.com/guseggert/warmfork/internal/config"
	"github.com/guseggert/warmfork/internal/logging"
	"github.com/guseggert/warmfork/rpc"
	"github.com/guseggert/warmfork/server"
	"github.com/guseggert/warmfork/tty"
	"github.com/guseggert/warmfork/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	forker.Init(worker.Main)

	app := &cli.App{
		Name:  "warmfork",
		Usage: "a pre-warmed fork server and its client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "Path of the server's Unix socket.",
				EnvVars: []string{"WARMFORK_SOCKET"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "warn",
				EnvVars: []string{"WARMFORK_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serverCommand,
			clientCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context, level string) (*zap.Logger, error) {
	if ctx.IsSet("log-level") || level == "" {
		level = ctx.String("log-level")
	}
	return logging.New(level)
}

func socketFlag(ctx *cli.Context) (string, error) {
	socket := ctx.String("socket")
	if socket == "" {
		return "", errors.New("--socket or WARMFORK_SOCKET is required")
	}
	return socket, nil
}

var serverCommand = &cli.Command{
	Name:  "server",
	Usage: "warm up and serve spawn requests",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "YAML config file. Defaults to the nearest " + config.FileName + " above the working directory.",
		},
		&cli.BoolFlag{
			Name:  "pty",
			Usage: "Run each worker on its own pseudo-terminal.",
		},
		&cli.StringFlag{
			Name:  "warmup",
			Usage: "Warm-up routine. One of [none,preload].",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx.String("config"))
		if err != nil {
			return err
		}
		if ctx.IsSet("socket") {
			cfg.Socket = ctx.String("socket")
		}
		if ctx.IsSet("pty") {
			cfg.PTY = ctx.Bool("pty")
		}
		if ctx.IsSet("warmup") {
			cfg.Warmup = ctx.String("warmup")
		}
		if cfg.Socket == "" {
			return errors.New("--socket, WARMFORK_SOCKET or a config file socket is required")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(ctx, cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		warmup, err := warmupByName(cfg.Warmup)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		s := server.New(cfg.Socket,
			server.WithLogger(logger),
			server.WithMetrics(reg),
			server.WithWarmup(warmup),
			server.WithPTY(cfg.PTY),
			server.WithNotifyTimeout(cfg.NotifyTimeout),
			server.WithNotifyRetries(cfg.NotifyRetries),
		)

		runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return s.Run(runCtx)
	},
}

func loadConfig(path string) (config.Server, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Server{}, fmt.Errorf("getting wd: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return config.Server{}, fmt.Errorf("looking for %s: %w", config.FileName, err)
		}
		if path == "" {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

var clientCommand = &cli.Command{
	Name:      "client",
	Usage:     "run PROGRAM in a worker of the warm server and exit with its status",
	ArgsUsage: "[--] [PROGRAM ARGS...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "proxy-tty",
			Usage: "Answer the worker's terminal attribute calls with this process's terminal.",
		},
		&cli.StringFlag{
			Name:  "stdio",
			Usage: "How stdio is forwarded. One of [fd,fifo].",
			Value: "fd",
		},
	},
	Action: func(ctx *cli.Context) error {
		socket, err := socketFlag(ctx)
		if err != nil {
			return err
		}
		logger, err := newLogger(ctx, "")
		if err != nil {
			return err
		}
		defer logger.Sync()

		var fifos bool
		switch ctx.String("stdio") {
		case "fd":
		case "fifo":
			fifos = true
		default:
			return fmt.Errorf("unsupported stdio mode %q", ctx.String("stdio"))
		}

		opts := []client.Option{client.WithLogger(logger)}
		proxy := ctx.Bool("proxy-tty")
		if proxy {
			if t, err := tty.Open(); err == nil {
				defer t.Close()
				opts = append(opts, client.WithTerminal(t))
			}
		}
		c := client.New(socket, opts...)

		b, err := c.Collect(fifos)
		if err != nil {
			return cli.Exit(fmt.Sprintf("warmfork: collecting bundle: %s", err), client.ExitNotAttached)
		}
		if proxy {
			b = b.Merge(bundle.TermProxy{})
		}
		if ctx.NArg() > 0 {
			b = b.Merge(bundle.Exec{Payload: worker.CommandPayload, Args: ctx.Args().Slice()})
		}

		status, err := c.Start(context.Background(), b)
		if err != nil {
			return cli.Exit(fmt.Sprintf("warmfork: %s", err), client.ExitNotAttached)
		}
		if status != 0 {
			return cli.Exit("", status)
		}
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "show the state of a running server",
	Action: func(ctx *cli.Context) error {
		socket, err := socketFlag(ctx)
		if err != nil {
			return err
		}
		c := rpc.Dial(socket)
		defer c.Close()
		var st server.StatusReply
		if err := c.Call(ctx.Context, server.ProcStatus, &st); err != nil {
			return cli.Exit(fmt.Sprintf("warmfork: %s", err), 1)
		}
		fmt.Printf("state: %s\nworkers: %d\n", st.State, st.Workers)
		return nil
	},
}
