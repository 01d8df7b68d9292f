// multicam ingests frames from many RTSP cameras at once, keeping only the
// latest frame per source, and reports per-source read/delivery FPS at the
// end of the run. The same binary doubles as its own capture worker for the
// multi-process strategy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visiona/multicam/internal/backend"
	"github.com/visiona/multicam/internal/capture"
	"github.com/visiona/multicam/internal/config"
	"github.com/visiona/multicam/internal/engine"
	"github.com/visiona/multicam/internal/metrics"
	"github.com/visiona/multicam/internal/source"
)

const (
	appName = "multicam"
	appDesc = "multi-source RTSP frame ingestion with per-source recovery"
)

func main() {
	app := cli.App(appName, appDesc)

	debug := app.Bool(cli.BoolOpt{
		Name:   "d debug",
		Desc:   "enable debug logging",
		EnvVar: "MULTICAM_DEBUG",
	})

	app.Command("run", "run a capture session from a config file", func(cmd *cli.Cmd) {
		cmd.Spec = "[OPTIONS] CONFIG"

		configPath := cmd.StringArg("CONFIG", "", "path to the YAML config file")
		strategy := cmd.String(cli.StringOpt{
			Name:   "s strategy",
			Desc:   "override the execution strategy (sequential, threads, procs)",
			EnvVar: "MULTICAM_STRATEGY",
		})
		durationS := cmd.Int(cli.IntOpt{
			Name:   "t duration",
			Desc:   "override the run duration in seconds (0 = until interrupted)",
			Value:  -1,
			EnvVar: "MULTICAM_DURATION_S",
		})
		metricsAddr := cmd.String(cli.StringOpt{
			Name:   "metrics-addr",
			Desc:   "serve Prometheus metrics on this address (overrides config)",
			EnvVar: "MULTICAM_METRICS_ADDR",
		})
		jsonOut := cmd.Bool(cli.BoolOpt{
			Name: "json",
			Desc: "print the final report as JSON instead of a table",
		})

		cmd.Action = func() {
			cfg, err := config.Load(*configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				cli.Exit(1)
			}
			if *strategy != "" {
				cfg.Strategy = *strategy
			}
			if *durationS >= 0 {
				cfg.DurationS = *durationS
			}
			if *metricsAddr != "" {
				cfg.MetricsAddr = *metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				cli.Exit(1)
			}

			setupLogger(*debug || cfg.Debug)
			if err := runSession(cfg, *jsonOut); err != nil {
				slog.Error("run failed", "error", err)
				cli.Exit(1)
			}
		}
	})

	app.Command("worker", "capture a single source and print its report (internal)", func(cmd *cli.Cmd) {
		name := cmd.String(cli.StringOpt{Name: "name", Desc: "source name"})
		url := cmd.String(cli.StringOpt{Name: "url", Desc: "source URI"})
		backendKind := cmd.String(cli.StringOpt{Name: "backend", Value: "gst", Desc: "backend kind"})
		width := cmd.Int(cli.IntOpt{Name: "width", Value: 1280, Desc: "frame width"})
		height := cmd.Int(cli.IntOpt{Name: "height", Value: 720, Desc: "frame height"})
		fps := cmd.String(cli.StringOpt{Name: "fps", Value: "25", Desc: "target FPS"})
		durationS := cmd.Int(cli.IntOpt{Name: "duration", Value: 30, Desc: "run duration in seconds"})
		attempts := cmd.Int(cli.IntOpt{Name: "attempts", Value: 5, Desc: "connect attempts"})
		retryMS := cmd.Int(cli.IntOpt{Name: "retry-ms", Value: 2000, Desc: "retry interval (ms)"})
		readTimeoutMS := cmd.Int(cli.IntOpt{Name: "read-timeout-ms", Value: 2000, Desc: "read timeout (ms)"})
		timeoutBudget := cmd.Int(cli.IntOpt{Name: "timeout-budget", Value: 3, Desc: "consecutive timeouts before reconnect"})

		cmd.Action = func() {
			setupLogger(*debug)
			targetFPS, err := strconv.ParseFloat(*fps, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid fps %q\n", *fps)
				cli.Exit(1)
			}
			if err := runWorker(workerParams{
				src:           source.Source{Name: *name, URI: *url},
				backendKind:   *backendKind,
				opts:          backend.Options{Width: *width, Height: *height, TargetFPS: targetFPS},
				duration:      time.Duration(*durationS) * time.Second,
				attempts:      *attempts,
				retryInterval: time.Duration(*retryMS) * time.Millisecond,
				readTimeout:   time.Duration(*readTimeoutMS) * time.Millisecond,
				timeoutBudget: *timeoutBudget,
			}); err != nil {
				slog.Error("worker failed", "error", err)
				cli.Exit(1)
			}
		}
	})

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger routes logs to stderr, keeping stdout free for reports. A
// terminal gets the text handler, anything else gets JSON.
func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runSession(cfg config.Config, jsonOut bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	teardown, err := backend.Setup(cfg.Backend)
	if err != nil {
		return err
	}
	defer teardown()

	var b backend.Backend
	if cfg.Strategy != string(engine.Procs) {
		b, err = backend.New(cfg.Backend, cfg.BackendOptions())
		if err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	eng, err := engine.New(engine.Options{
		Sources:       cfg.SourceList(),
		Backend:       b,
		Strategy:      engine.Strategy(cfg.Strategy),
		Duration:      cfg.Duration(),
		Capture:       cfg.CaptureConfig(),
		PollInterval:  cfg.PollInterval(),
		WorkerCommand: workerCommand(cfg),
	}, nil)
	if err != nil {
		return err
	}

	slog.Info("session starting",
		"backend", cfg.Backend,
		"strategy", cfg.Strategy,
		"sources", len(cfg.Sources),
		"duration", cfg.Duration(),
	)
	started := time.Now()

	reports, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("session finished", "elapsed", time.Since(started).Round(time.Millisecond))
	return printReports(os.Stdout, reports, jsonOut)
}

// workerCommand re-executes this binary with the worker subcommand, passing
// the capture tunables as flags.
func workerCommand(cfg config.Config) func(ctx context.Context, src source.Source) *exec.Cmd {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return func(ctx context.Context, src source.Source) *exec.Cmd {
		args := []string{
			"worker",
			"--name", src.Name,
			"--url", src.URI,
			"--backend", cfg.Backend,
			"--width", strconv.Itoa(cfg.Width),
			"--height", strconv.Itoa(cfg.Height),
			"--fps", strconv.FormatFloat(cfg.TargetFPS, 'f', -1, 64),
			"--duration", strconv.Itoa(cfg.DurationS),
			"--attempts", strconv.Itoa(cfg.ConnectAttempts),
			"--retry-ms", strconv.Itoa(cfg.RetryIntervalMS),
			"--read-timeout-ms", strconv.Itoa(cfg.ReadTimeoutMS),
			"--timeout-budget", strconv.Itoa(cfg.TimeoutBudget),
		}
		cmd := exec.CommandContext(ctx, self, args...)
		cmd.Stderr = os.Stderr
		return cmd
	}
}

type workerParams struct {
	src           source.Source
	backendKind   string
	opts          backend.Options
	duration      time.Duration
	attempts      int
	retryInterval time.Duration
	readTimeout   time.Duration
	timeoutBudget int
}

// runWorker is the worker subcommand body: capture one source for the given
// duration and print the JSON report to stdout.
func runWorker(p workerParams) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	teardown, err := backend.Setup(p.backendKind)
	if err != nil {
		return err
	}
	defer teardown()

	b, err := backend.New(p.backendKind, p.opts)
	if err != nil {
		return err
	}

	report, err := engine.RunWorker(ctx, engine.Options{
		Sources:  []source.Source{p.src},
		Backend:  b,
		Duration: p.duration,
		Capture: capture.Config{
			MaxAttempts:   p.attempts,
			RetryInterval: p.retryInterval,
			PullTimeout:   p.readTimeout,
			TimeoutBudget: p.timeoutBudget,
		},
	}, nil)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(report)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}

func printReports(w *os.File, reports []metrics.SourceReport, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	fmt.Fprintf(w, "%-16s %10s %12s %8s %10s %10s %6s\n",
		"SOURCE", "READ_FPS", "DELIVER_FPS", "READ", "DELIVERED", "RECONNECT", "LOST")
	for _, r := range reports {
		fmt.Fprintf(w, "%-16s %10.2f %12.2f %8d %10d %10d %6v\n",
			r.Source, r.ReadFPS, r.DeliveryFPS,
			r.TotalFramesRead, r.TotalFramesDelivered, r.Reconnects, r.Lost)
	}
	return nil
}
