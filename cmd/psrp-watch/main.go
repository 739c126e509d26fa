// Command psrp-watch decodes PSRP traffic captured as OutOfProcess envelopes.
//
// Usage:
//
//	psrp-watch [options] <file|->
//
// Each envelope line is decoded into fragments and completed PSRP messages
// and printed to stdout. Diagnostics go to stderr. With --follow the file is
// watched like `tail -f` until interrupted.
//
// Exit codes:
//   - 0: input consumed, or the watch was interrupted
//   - 1: usage error, or the input could not be read
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/smnsjas/go-psrpwatch/config"
	"github.com/smnsjas/go-psrpwatch/logging"
	"github.com/smnsjas/go-psrpwatch/messages"
	"github.com/smnsjas/go-psrpwatch/outofproc"
	"github.com/smnsjas/go-psrpwatch/render"
	"github.com/smnsjas/go-psrpwatch/tail"
	"github.com/smnsjas/go-psrpwatch/watch"
)

// version is set via ldflags at build time.
var version = "dev"

const exitFatal = 1

func main() {
	app := newApp()
	app.ExitErrHandler = exitErrHandler

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitFatal)
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFatal)
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "psrp-watch",
		Usage:     "decode PSRP traffic from an OutOfProcess capture",
		UsageText: "psrp-watch [options] <file|->",
		Version:   version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Keep reading as the file grows",
			},
			&cli.BoolFlag{
				Name:  "history",
				Usage: "With --follow, start from the beginning of the file",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: json, jsonl, yaml, msgpack, table (default: table on a terminal, jsonl otherwise)",
			},
			&cli.StringFlag{
				Name:  "byte-order",
				Usage: "Byte order of message header integers: big, little",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored table output",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often --follow checks for new data",
				Value: tail.DefaultInterval,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file (default: " + config.DefaultFile + " if present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.IntFlag{
				Name:  "max-pending",
				Usage: "Maximum objects reassembled at once, 0 for no limit",
				Value: watch.DefaultMaxPending,
			},
		},
		Action: watchAction,
	}
}

// options is the merged result of the config file and the flags.
type options struct {
	path         string
	follow       bool
	history      bool
	format       render.Format
	byteOrder    string
	noColor      bool
	pollInterval time.Duration
	logLevel     string
	maxPending   int
}

// resolveOptions applies flags over the config file over the defaults.
func resolveOptions(c *cli.Context, cfg *config.Config) (options, error) {
	if c.NArg() != 1 {
		return options{}, fmt.Errorf("expected exactly one input (a file or -), got %d", c.NArg())
	}

	opts := options{
		path:         c.Args().First(),
		follow:       cfg.Follow,
		history:      cfg.History,
		byteOrder:    cfg.ByteOrder,
		noColor:      cfg.NoColor,
		pollInterval: cfg.PollInterval.Duration,
		logLevel:     cfg.LogLevel,
		maxPending:   watch.DefaultMaxPending,
	}
	if cfg.MaxPending != nil {
		opts.maxPending = *cfg.MaxPending
	}
	format := cfg.Format

	if c.IsSet("follow") {
		opts.follow = c.Bool("follow")
	}
	if c.IsSet("history") {
		opts.history = c.Bool("history")
	}
	if c.IsSet("format") {
		format = c.String("format")
	}
	if c.IsSet("byte-order") {
		opts.byteOrder = c.String("byte-order")
	}
	if c.IsSet("no-color") {
		opts.noColor = c.Bool("no-color")
	}
	if c.IsSet("poll-interval") || opts.pollInterval == 0 {
		opts.pollInterval = c.Duration("poll-interval")
	}
	if c.IsSet("log-level") {
		opts.logLevel = c.String("log-level")
	}
	if c.IsSet("max-pending") {
		opts.maxPending = c.Int("max-pending")
	}

	var err error
	if opts.format, err = render.ParseFormat(format); err != nil {
		return options{}, err
	}
	if _, err := config.ParseByteOrder(opts.byteOrder); err != nil {
		return options{}, err
	}
	if opts.maxPending < 0 {
		return options{}, fmt.Errorf("--max-pending must not be negative, got %d", opts.maxPending)
	}
	if opts.follow && opts.path == "-" {
		return options{}, errors.New("--follow needs a file path, not stdin")
	}
	return opts, nil
}

func watchAction(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	opts, err := resolveOptions(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}

	level, err := config.ParseLevel(opts.logLevel)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	logger := logging.New(logging.Options{Level: level, Output: c.App.ErrWriter})
	defer func() { _ = logger.Sync() }()

	order, _ := config.ParseByteOrder(opts.byteOrder)

	format := opts.format
	if format == "" {
		format = render.FormatJSONL
		if f, ok := c.App.Writer.(*os.File); ok {
			format = render.DefaultFormat(f)
		}
	}
	renderer := render.NewRenderer(format, opts.noColor, c.App.Writer)

	src, closeSrc, err := openSource(c, opts, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	defer closeSrc()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := watch.NewSession(
		watch.WithLogger(logger),
		watch.WithDecoder(messages.NewDecoder(messages.WithByteOrder(order))),
		watch.WithMaxPending(opts.maxPending),
	)

	logger.Debug("watch started",
		zap.String("input", opts.path),
		zap.Bool("follow", opts.follow),
		zap.String("format", string(format)),
		zap.Stringer("byte_order", order))

	err = session.Run(ctx, src, renderer.Render)
	if cerr := renderer.Close(); err == nil && cerr != nil {
		err = cerr
	}

	st := session.Stats()
	logger.Info("summary",
		zap.Int("packets", st.Packets),
		zap.Int("messages", st.Messages),
		zap.Int("diagnostics", st.Diagnostics))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return cli.Exit(err.Error(), exitFatal)
	}
}

// openSource returns the record source for the input argument.
func openSource(c *cli.Context, opts options, logger *zap.Logger) (watch.Source, func(), error) {
	if opts.path == "-" {
		in := c.App.Reader
		if in == nil {
			in = os.Stdin
		}
		return outofproc.NewReader(in), func() {}, nil
	}

	if opts.follow {
		f, err := tail.Open(opts.path,
			tail.WithHistory(opts.history),
			tail.WithInterval(opts.pollInterval),
			tail.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}

	file, err := os.Open(opts.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return outofproc.NewReader(file), func() { _ = file.Close() }, nil
}
