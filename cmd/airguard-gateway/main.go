// airguard-gateway reads telemetry packets from the receiver's serial port
// and fans each one out to SQLite, an MQTT broker and an HTTP collector.
//
// Configuration comes from an optional YAML file, an optional .env file,
// the process environment and finally command-line flags, in increasing
// order of precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"airguard-gateway/internal/broker"
	"airguard-gateway/internal/cloud"
	"airguard-gateway/internal/config"
	"airguard-gateway/internal/gateway"
	"airguard-gateway/internal/metrics"
	"airguard-gateway/internal/replay"
	"airguard-gateway/internal/sink"
	"airguard-gateway/internal/store"
	"airguard-gateway/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "airguard-gateway: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	device     string
	baud       int
	replay     string
	logLevel   string
	summarize  string
}

func parseFlags(args []string, stderr io.Writer) (options, *pflag.FlagSet, error) {
	var o options
	fl := pflag.NewFlagSet("airguard-gateway", pflag.ContinueOnError)
	fl.SetOutput(stderr)
	fl.StringVar(&o.configPath, "config", "", "path to YAML config (optional)")
	fl.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	fl.StringVar(&o.device, "device", "", "serial device, overrides SERIAL_PORT")
	fl.IntVar(&o.baud, "baud", 0, "serial baud rate, overrides SERIAL_BAUD")
	fl.StringVar(&o.replay, "replay", "", "replay a capture file instead of reading the serial port")
	fl.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error; overrides LOG_LEVEL")
	fl.StringVar(&o.summarize, "summarize", "", "print a summary of a capture file and exit")
	if err := fl.Parse(args); err != nil {
		return options{}, nil, err
	}
	if fl.NArg() > 0 {
		return options{}, nil, fmt.Errorf("unexpected argument: %s", fl.Arg(0))
	}
	return o, fl, nil
}

func loadConfig(o options, fl *pflag.FlagSet) (config.Config, error) {
	if o.envFile != "" {
		// Variables already in the environment win over the file.
		if err := godotenv.Load(o.envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || fl.Changed("env-file") {
				return config.Config{}, fmt.Errorf("env file %s: %w", o.envFile, err)
			}
		}
	}
	return config.Load(o.configPath, func(c *config.Config) {
		if fl.Changed("device") {
			c.Serial.Device = o.device
		}
		if fl.Changed("baud") {
			c.Serial.Baud = o.baud
		}
		if fl.Changed("replay") {
			c.Serial.Replay.Enable = o.replay != ""
			c.Serial.Replay.Path = o.replay
		}
		if fl.Changed("log-level") {
			c.Log.Level = o.logLevel
		}
	})
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, fl, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if o.summarize != "" {
		return printCaptureSummary(stdout, o.summarize)
	}
	cfg, err := loadConfig(o, fl)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logs := web.NewLogBuffer(2000)
	logger := newLogger(cfg.Log, io.MultiWriter(stderr, logs))
	logger.Info("airguard-gateway starting", "config", o.configPath, "log_level", cfg.Log.Level)

	st, err := store.Open(ctx, store.Config{Path: cfg.Store.Path, Logger: logger})
	if err != nil {
		return err
	}
	pub, err := broker.New(cfg.Broker, logger)
	if err != nil {
		_ = st.Close()
		return err
	}
	cl := cloud.New(cfg.Cloud, logger)
	m := metrics.New()

	var rec *replay.Writer
	var recorder gateway.LineRecorder
	if cfg.Serial.Record.Enable {
		rec, err = replay.CreateWriter(cfg.Serial.Record.Path)
		if err != nil {
			_ = pub.Close()
			_ = st.Close()
			return fmt.Errorf("capture: %w", err)
		}
		recorder = rec
		logger.Info("recording raw lines", "path", cfg.Serial.Record.Path)
	}

	gw, err := gateway.New(gateway.Config{
		Open:        gateway.NewOpener(cfg.Serial, logger),
		Sinks:       []sink.Sink{st, pub, cl},
		ReopenDelay: cfg.Serial.ReopenDelay,
		Recorder:    recorder,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		_ = pub.Close()
		_ = st.Close()
		return err
	}

	logger.Info("sinks configured",
		"store", cfg.Store.Path,
		"broker_enabled", cfg.Broker.Enabled(),
		"broker_addr", brokerAddr(cfg.Broker),
		"cloud_enabled", cfg.Cloud.Enabled(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := pub.Start(runCtx); err != nil {
		logger.Warn("mqtt start failed", "error", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// A finite replay ends the whole process.
		defer cancel()
		return gw.Run(gctx)
	})
	g.Go(func() error {
		watchBroker(gctx, pub.Events(), m, logger)
		return nil
	})
	if cfg.Web.Listen != "" {
		status := web.NewStatus(web.Sources{
			Pipeline: gw.Stats,
			Broker:   pub.Snapshot,
			Cloud:    cl.Stats,
			Stored:   st.Count,
		})
		status.SetInput(inputDescription(cfg.Serial))
		handler := web.Handler(status, logs, m.Handler())
		g.Go(func() error {
			logger.Info("web listener enabled", "addr", cfg.Web.Listen)
			return web.Serve(gctx, cfg.Web.Listen, handler)
		})
	}

	runErr := g.Wait()
	logger.Info("airguard-gateway stopping")

	steps := []gateway.Step{{Name: "transport", Close: gw.Close}}
	if rec != nil {
		steps = append(steps, gateway.Step{Name: "capture", Close: rec.Close})
	}
	steps = append(steps,
		gateway.Step{Name: "broker", Close: pub.Close},
		gateway.Step{Name: "store", Close: st.Close},
	)
	if err := gateway.Shutdown(logger, steps...); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

func watchBroker(ctx context.Context, events <-chan broker.Event, m *metrics.Metrics, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.SetBrokerConnected(ev.Kind == broker.Connected)
			logger.Debug("mqtt state", "event", ev.Kind.String(), "at", ev.At.Format(time.RFC3339))
		}
	}
}

func brokerAddr(c config.BrokerConfig) string {
	if !c.Enabled() {
		return ""
	}
	return c.Addr()
}

func inputDescription(c config.SerialConfig) string {
	if c.Replay.Enable {
		return "replay:" + c.Replay.Path
	}
	return fmt.Sprintf("%s@%d", c.Device, c.Baud)
}
