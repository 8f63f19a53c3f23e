package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// runFlags are the daemon flags. Each one overrides the matching config
// value only when the user sets it.
type runFlags struct {
	logPath            string
	buttplugURL        string
	buttplugTimeoutMS  int
	buttplugScanMS     int
	buttplugDeviceName string
	frameHz            int
	halfLifeSec        float64
	pushIntervalMS     int
	ipcSocket          string
	inputDevices       []string
	httpListen         string
	logLevel           string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.StringVar(&f.logPath, "log", def.Log.Path, "command log to tail")
	fs.StringVar(&f.buttplugURL, "buttplug-url", def.Buttplug.WsURL, "Buttplug server websocket URL")
	fs.IntVar(&f.buttplugTimeoutMS, "buttplug-timeout-ms", def.Buttplug.TimeoutMS, "timeout for a Buttplug reply in milliseconds")
	fs.IntVar(&f.buttplugScanMS, "buttplug-scan-ms", def.Buttplug.ScanMS, "device scan window on connect in milliseconds (0 disables scanning)")
	fs.StringVar(&f.buttplugDeviceName, "device", def.Buttplug.DeviceName, "bind the first device whose name matches this pattern")
	fs.IntVar(&f.frameHz, "frame-hz", def.Engine.FrameHz, "simulation tick frequency in Hz")
	fs.Float64Var(&f.halfLifeSec, "half-life", def.Engine.HalfLifeSec, "intensity half-life in seconds")
	fs.IntVar(&f.pushIntervalMS, "push-interval-ms", def.Engine.PushIntervalMS, "minimum interval between device pushes in milliseconds")
	fs.StringVar(&f.ipcSocket, "ipc-socket", def.IPC.SocketPath, "Unix domain socket path for IPC")
	fs.StringSliceVar(&f.inputDevices, "input-device", nil, "Linux input event device for key triggers (repeatable)")
	fs.StringVar(&f.httpListen, "http-listen", def.HTTP.Listen, "metrics and state websocket listen address (empty disables)")
	fs.StringVar(&f.logLevel, "log-level", def.Logging.Level, "log level: error, warn, info, debug")
}

// overrides returns the overrides for flags the user explicitly set.
func (f *runFlags) overrides(fs *pflag.FlagSet) FlagOverrides {
	var o FlagOverrides
	set := fs.Changed
	if set("log") {
		o.LogPath = &f.logPath
	}
	if set("buttplug-url") {
		o.ButtplugURL = &f.buttplugURL
	}
	if set("buttplug-timeout-ms") {
		o.ButtplugTimeoutMS = &f.buttplugTimeoutMS
	}
	if set("buttplug-scan-ms") {
		o.ButtplugScanMS = &f.buttplugScanMS
	}
	if set("device") {
		o.ButtplugDeviceName = &f.buttplugDeviceName
	}
	if set("frame-hz") {
		o.FrameHz = &f.frameHz
	}
	if set("half-life") {
		o.HalfLifeSec = &f.halfLifeSec
	}
	if set("push-interval-ms") {
		o.PushIntervalMS = &f.pushIntervalMS
	}
	if set("ipc-socket") {
		o.IPCSocketPath = &f.ipcSocket
	}
	if set("input-device") {
		o.InputDevices = &f.inputDevices
	}
	if set("http-listen") {
		o.HTTPListen = &f.httpListen
	}
	if set("log-level") {
		o.LogLevel = &f.logLevel
	}
	return o
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the daemon (default)",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	flags.register(cmd.Flags())

	cmd.RunE = func(c *cobra.Command, _ []string) error {
		cfg, err := loadConfig(root.configFile, flags.overrides(cmd.Flags()))
		if err != nil {
			return err
		}
		level, _ := parseLogLevel(cfg.Logging.Level)
		logger := setupLogger(level, c.OutOrStdout())

		ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServices(ctx, cfg, logger)
	}
	return cmd
}

// runServices starts every component and blocks until ctx is canceled or a
// component fails. The device is stopped before the Buttplug connection closes.
func runServices(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	inputs := make(chan Input, 64)

	client, err := NewButtplugClient(cfg.ToButtplugConfig(), logger.With("component", "buttplug"), func(ch DeviceChanged) {
		select {
		case inputs <- ch:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("component failed", "component", name, "error", err)
				cancel(err)
			}
		}()
	}

	// The Buttplug session outlives the daemon so the final device stop can still be sent.
	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	start("buttplug", func() error { return client.Run(clientCtx) })

	hub := NewHub(logger.With("component", "ws"), HubConfig{})
	start("ws_hub", func() error { hub.Run(ctx); return nil })

	start("ipc", func() error { return runIPCServer(ctx, cfg.IPC.SocketPath, inputs, logger.With("component", "ipc")) })

	if len(cfg.Input.Devices) > 0 {
		start("input", func() error {
			return runInputDevices(ctx, cfg.Input.Devices, cfg.Input.Bindings, inputs, logger.With("component", "input"))
		})
	}

	if cfg.HTTP.Listen != "" {
		handler := newHTTPHandler(reg, NewStateServer(logger.With("component", "ws"), hub, inputs))
		start("http", func() error { return runHTTPServer(ctx, cfg.HTTP.Listen, handler, logger.With("component", "http")) })
	}

	runDaemon(ctx, inputs, cfg.ToDaemonConfig(), client, hub, logger.With("component", "daemon"))

	cancelClient()
	wg.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
