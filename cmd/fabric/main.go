// Command fabric runs operations against a fabric store from the shell.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"dragonfabric/engine"
	"dragonfabric/executor"
)

type CLI struct {
	Config   string `help:"Path to the YAML config" default:"config.yml" type:"path" envvar:"FABRIC_CONFIG"`
	LogLevel string `help:"Logging level (debug, info, warn, error), overrides the config" envvar:"FABRIC_LOG_LEVEL"`

	Get     GetCmd     `cmd:"" help:"Read a value"`
	Put     PutCmd     `cmd:"" help:"Write a value"`
	Del     DelCmd     `cmd:"" help:"Delete a key"`
	Cas     CasCmd     `cmd:"" help:"Compare and swap a value"`
	Incr    IncrCmd    `cmd:"" help:"Increment a counter"`
	Counter CounterCmd `cmd:"" help:"Read a counter"`
	Push    PushCmd    `cmd:"" help:"Append a value to a queue"`
	Pop     PopCmd     `cmd:"" help:"Take the oldest value of a queue"`
	Batch   BatchCmd   `cmd:"" help:"Apply the operations in a YAML file atomically"`
}

// App is what every command runs against.
type App struct {
	Ctx context.Context
	X   *executor.Executor
	Out io.Writer
	Log zerolog.Logger
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(lvl).With().Timestamp().Logger()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("fabric"),
		kong.Description("Transactional operations over a keyed store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	cfg, err := LoadConfig(cli.Config)
	kctx.FatalIfErrorf(err)
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	log := newLogger(cfg.LogLevel)

	eng, err := engine.Open(ctx, cfg.Engine)
	kctx.FatalIfErrorf(err)
	log.Debug().Str("backend", cfg.Engine.Backend).Msg("engine open")

	app := &App{
		Ctx: ctx,
		X: executor.New(eng,
			executor.WithLogger(log),
			executor.WithRetry(cfg.Retry),
			executor.WithMaxChainDepth(cfg.MaxChainDepth),
		),
		Out: os.Stdout,
		Log: log,
	}
	err = kctx.Run(app)
	if cerr := eng.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("close engine")
	}
	kctx.FatalIfErrorf(err)
}
