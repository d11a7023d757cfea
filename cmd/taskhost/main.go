package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guseggert/childproc/loader"
	"github.com/guseggert/childproc/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Settings come from flags or the environment, since the positional arguments belong to the parent.
func main() {
	app := &cli.App{
		Name:      "taskhost",
		Usage:     "runs one method, task or service on behalf of a parent process",
		ArgsUsage: "LOCATION IN OUT SHAPE DESCRIPTOR [ARG]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level, logs go to stderr.",
				EnvVars: []string{"TASKHOST_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.DurationFlag{
				Name:    "join-timeout",
				Usage:   "How long a stopped task worker is waited for before it is abandoned.",
				EnvVars: []string{"TASKHOST_JOIN_TIMEOUT"},
				Value:   10 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "drain-timeout",
				Usage:   "How long to wait for the parent to read the last message.",
				EnvVars: []string{"TASKHOST_DRAIN_TIMEOUT"},
				Value:   10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "List the built-in methods, tasks and services and exit.",
			},
		},
		Action: func(ctx *cli.Context) error {
			reg := builtins()
			if ctx.Bool("list") {
				for _, name := range reg.Names() {
					fmt.Println(name)
				}
				return nil
			}

			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logConfig := zap.NewDevelopmentConfig()
			logConfig.Level = zap.NewAtomicLevelAt(level)
			logger, err := logConfig.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			srv := server.New(
				loader.NewMux(reg).Handle("lua", loader.Lua{}),
				server.WithLogger(logger.Sugar().Named("taskhost")),
				server.WithJoinTimeout(ctx.Duration("join-timeout")),
				server.WithDrainTimeout(ctx.Duration("drain-timeout")),
			)
			if code := srv.Run(ctx.Context, ctx.Args().Slice()); code != server.ExitOK {
				return cli.Exit("", code)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
