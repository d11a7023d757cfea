package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/guseggert/childproc/config"
	"github.com/guseggert/childproc/host"
	"github.com/guseggert/childproc/internal/net"
	"github.com/guseggert/childproc/locator"
	"github.com/guseggert/childproc/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "childctl",
		Usage: "runs code in a child process and reports on it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file.",
			},
			&cli.StringFlag{
				Name:  "executable",
				Usage: "Path to the child executable. By default taskhost is searched for next to childctl and above the working directory.",
			},
			&cli.StringFlag{
				Name:  "bitness",
				Usage: "Required bitness of the child executable. One of [any,32,64].",
				Value: "any",
			},
			&cli.StringFlag{
				Name:  "location",
				Usage: `Where the child loads code from, such as "lua:script.lua".`,
				Value: host.DefaultLocation,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, overriding the config file.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the run to complete, overriding the config file.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "method",
				Usage:     "call a method",
				ArgsUsage: "DESCRIPTOR [ARG]",
				Action: func(ctx *cli.Context) error {
					return run(ctx, host.WithMethod(ctx.Args().Get(0), ctx.Args().Get(1)))
				},
			},
			{
				Name:      "task",
				Usage:     "run a task, stopping it on interrupt",
				ArgsUsage: "DESCRIPTOR [ARG]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "stop-after",
						Usage: "Stop the task after this long.",
					},
				},
				Action: func(ctx *cli.Context) error {
					return run(ctx, host.WithTask(ctx.Args().Get(0), ctx.Args().Get(1)))
				},
			},
			{
				Name:      "call",
				Usage:     "host a service, call one of its methods, and stop it",
				ArgsUsage: "DESCRIPTOR METHOD [JSON]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "mtls",
						Usage: "Require mutual TLS between childctl and the service.",
					},
				},
				Action: call,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type env struct {
	cfg *config.Config
	log *zap.Logger
	loc locator.Locator
}

func setup(ctx *cli.Context) (*env, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		c, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if l := ctx.String("log-level"); l != "" {
		cfg.Log.Level = l
	}
	if d := ctx.Duration("timeout"); d > 0 {
		cfg.Timeouts.Completion = config.Duration(d)
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	var fallback locator.Chain
	if exe := ctx.String("executable"); exe != "" {
		fallback = append(fallback, &locator.Static{Paths: map[locator.Bitness][]string{locator.Any: {exe}}})
	} else {
		if self, err := os.Executable(); err == nil {
			fallback = append(fallback, &locator.FindUp{Name: "taskhost", Dir: filepath.Dir(self)})
		}
		fallback = append(fallback, &locator.FindUp{Name: "taskhost"})
	}
	loc, err := cfg.BuildLocator(fallback)
	if err != nil {
		return nil, fmt.Errorf("building locator: %w", err)
	}
	return &env{cfg: cfg, log: logger, loc: loc}, nil
}

func (e *env) newProcess(ctx *cli.Context, opts ...host.Option) (*host.Process, error) {
	bitness, err := locator.ParseBitness(ctx.String("bitness"))
	if err != nil {
		return nil, err
	}
	t := e.cfg.Timeouts
	opts = append([]host.Option{
		host.WithLogger(e.log),
		host.WithBitness(bitness),
		host.WithLocation(ctx.String("location")),
		host.WithKillTimeout(t.Kill.Std()),
		host.WithEnv(
			"TASKHOST_LOG_LEVEL="+e.cfg.Log.Level,
			"TASKHOST_JOIN_TIMEOUT="+t.Join.Std().String(),
			"TASKHOST_DRAIN_TIMEOUT="+t.Drain.Std().String(),
		),
		host.WithStatusHandler(func(c host.StatusChange) {
			fmt.Fprintf(os.Stderr, "status: %s\n", c)
		}),
		host.WithProgressHandler(func(s string) {
			fmt.Fprintf(os.Stderr, "progress: %s\n", s)
		}),
	}, opts...)
	return host.New(e.loc, opts...)
}

func (e *env) start(ctx context.Context, p *host.Process) error {
	startCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Start.Std())
	defer cancel()
	if err := p.Start(startCtx, true); err != nil {
		return fmt.Errorf("starting child: %w", err)
	}
	return nil
}

func run(ctx *cli.Context, what host.Option) error {
	if ctx.Args().Len() < 1 {
		return errors.New("missing descriptor")
	}
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.log.Sync()

	p, err := e.newProcess(ctx, what)
	if err != nil {
		return err
	}
	defer p.Close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()
	if err := e.start(sigCtx, p); err != nil {
		return err
	}

	completionCtx, cancel := context.WithTimeout(ctx.Context, e.cfg.Timeouts.Completion.Std())
	defer cancel()
	group, groupCtx := errgroup.WithContext(completionCtx)
	finished := make(chan struct{})
	group.Go(func() error {
		defer close(finished)
		_, err := p.WaitForCompletion(groupCtx)
		return err
	})
	group.Go(func() error {
		var after <-chan time.Time
		if d := ctx.Duration("stop-after"); d > 0 {
			after = time.After(d)
		}
		select {
		case <-finished:
			return nil
		case <-groupCtx.Done():
			return nil
		case <-sigCtx.Done():
			fmt.Fprintln(os.Stderr, "interrupted, stopping")
		case <-after:
		}
		if err := p.Stop(); err != nil && !errors.Is(err, host.ErrInvalidState) {
			return err
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return fmt.Errorf("waiting for child: %w", err)
	}
	return report(p)
}

func report(p *host.Process) error {
	if err := p.Err(); err != nil {
		return cli.Exit(fmt.Sprintf("%s: %s", p.Status(), err), 1)
	}
	if res, ok := p.Result(); ok {
		fmt.Println(res)
	}
	return nil
}

func call(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return errors.New("need a descriptor and a method")
	}
	descriptor, method := ctx.Args().Get(0), ctx.Args().Get(1)
	var payload json.RawMessage
	if s := ctx.Args().Get(2); s != "" {
		payload = json.RawMessage(s)
		if !json.Valid(payload) {
			return errors.New("payload is not valid JSON")
		}
	}

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.log.Sync()

	addr, err := net.LoopbackAddr()
	if err != nil {
		return fmt.Errorf("picking service address: %w", err)
	}
	opts := []host.Option{host.WithService(descriptor, addr)}
	var clientOpts []service.ClientOption
	if ctx.Bool("mtls") {
		certs, err := service.GenerateCerts()
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		tlsConfig, err := certs.ClientTLSConfig()
		if err != nil {
			return fmt.Errorf("building TLS config: %w", err)
		}
		opts = append(opts, host.WithServiceCerts(certs))
		clientOpts = append(clientOpts, service.WithClientTLS(tlsConfig))
	}

	p, err := e.newProcess(ctx, opts...)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := e.start(ctx.Context, p); err != nil {
		return err
	}

	client, err := service.NewClient(e.log.Sugar(), addr, clientOpts...)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx.Context, e.cfg.Timeouts.Start.Std())
	defer cancel()
	if err := client.WaitForServer(waitCtx); err != nil {
		p.Stop()
		return fmt.Errorf("waiting for service: %w", err)
	}

	var result json.RawMessage
	callErr := client.Call(ctx.Context, method, payload, &result)

	if err := p.Stop(); err != nil {
		return fmt.Errorf("stopping service: %w", err)
	}
	completionCtx, cancel := context.WithTimeout(ctx.Context, e.cfg.Timeouts.Completion.Std())
	defer cancel()
	if _, err := p.WaitForResult(completionCtx); err != nil {
		return cli.Exit(fmt.Sprintf("service: %s", err), 1)
	}
	if callErr != nil {
		return cli.Exit(fmt.Sprintf("calling %s: %s", method, callErr), 1)
	}
	fmt.Println(string(result))
	return nil
}
