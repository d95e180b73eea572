// Package daemon implements the xdplbd daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sync/errgroup"

	"github.com/psaab/xdplb/pkg/api"
	"github.com/psaab/xdplb/pkg/auditor"
	"github.com/psaab/xdplb/pkg/config"
	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/dataplane"
	"github.com/psaab/xdplb/pkg/grpcapi"
	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// Override, when set, is applied to the loaded configuration before it
	// is validated. Command-line flags use it.
	Override func(*config.Config)
	// LogLevel, when set, is raised to debug if the configuration asks for
	// it.
	LogLevel *slog.LevelVar
}

// Daemon is the xdplbd daemon.
type Daemon struct {
	opts    Options
	cfg     *config.Config
	dp      dataplane.DataPlane
	ifindex int
	events  *logging.EventBuffer
	syslog  *logging.SyslogSlogHandler
	prevLog *slog.Logger
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	return &Daemon{opts: opts}
}

// loadConfig reads, overrides and validates the configuration.
func (d *Daemon) loadConfig() error {
	cfg, found, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	if found {
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	} else {
		slog.Info("config file not found, using defaults", "file", d.opts.ConfigFile)
	}
	if d.opts.Override != nil {
		d.opts.Override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	d.cfg = cfg
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled or a signal
// arrives.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting xdplb daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	if err := d.loadConfig(); err != nil {
		return err
	}
	cfg := d.cfg
	if cfg.Debug && d.opts.LogLevel != nil {
		d.opts.LogLevel.Set(slog.LevelDebug)
	}

	d.setupSyslog()
	defer d.closeSyslog()

	if err := d.startDataplane(); err != nil {
		return err
	}
	defer d.stopDataplane()

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var aud *auditor.Auditor
	if !cfg.Auditor.Disabled {
		aud = auditor.New(d.dp.Backends(), auditor.Config{
			Interval: cfg.Auditor.Interval.Duration(),
			NoRepair: cfg.Auditor.NoRepair,
			Events:   d.events,
		})
	}

	svc := control.New(control.Config{
		DP:      d.dp,
		Auditor: aud,
		Events:  d.events,
		Info: control.Info{
			Interface:  cfg.Interface,
			Ifindex:    d.ifindex,
			XDPMode:    cfg.XDPMode,
			Dataplane:  cfg.Dataplane,
			Rotation:   cfg.Rotation,
			MaxEntries: cfg.MaxEntries,
		},
	})

	g, ctx := errgroup.WithContext(ctx)
	if aud != nil {
		g.Go(func() error {
			aud.Run(ctx)
			return nil
		})
	}
	if cfg.APIAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:    cfg.APIAddr,
			Auth:    apiAuth(cfg.APIAuth),
			Service: svc,
		})
		g.Go(func() error {
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("HTTP API: %w", err)
			}
			return nil
		})
	}
	if cfg.GRPCAddr != "" {
		srv := grpcapi.NewServer(cfg.GRPCAddr, grpcapi.Config{Service: svc})
		g.Go(func() error {
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("gRPC API: %w", err)
			}
			return nil
		})
	}

	slog.Info("xdplb daemon running",
		"iface", cfg.Interface,
		"dataplane", cfg.Dataplane,
		"rotation", cfg.Rotation,
		"services", len(cfg.Services))

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		slog.Info("signal received, shutting down")
		err = nil
	}
	return err
}

// startDataplane loads the dataplane, seeds the rotation table and attaches
// to the configured interface.
func (d *Daemon) startDataplane() error {
	cfg := d.cfg
	if cfg.Dataplane == dataplane.TypeXDP {
		// Allow the current process to lock memory for eBPF resources.
		if err := rlimit.RemoveMemlock(); err != nil {
			slog.Warn("failed to remove memlock rlimit", "err", err)
		}
	}

	dp, err := dataplane.NewDataPlane(cfg.Dataplane, dataplane.Options{
		MaxEntries: cfg.MaxEntries,
		PinPath:    cfg.PinPath,
		Mode:       cfg.RotationMode(),
	})
	if err != nil {
		return err
	}
	if err := dp.Load(); err != nil {
		return fmt.Errorf("load %s dataplane: %w", cfg.Dataplane, err)
	}
	d.dp = dp
	d.events = logging.NewEventBuffer(cfg.EventBuffer)

	if err := rotation.Seed(dp.Backends(), cfg.ServiceMap()); err != nil {
		dp.Close()
		return fmt.Errorf("seed rotation table: %w", err)
	}
	for _, port := range cfg.ListenPorts() {
		slog.Info("service configured", "listen_port", port, "backends", cfg.ServiceMap()[port])
	}

	ifindex, err := dataplane.ResolveInterface(cfg.Interface)
	if err != nil {
		if cfg.Dataplane == dataplane.TypeXDP {
			dp.Close()
			return err
		}
		slog.Warn("userspace dataplane: interface not resolved", "iface", cfg.Interface, "err", err)
		return nil
	}
	mode, _ := dataplane.ParseXDPMode(cfg.XDPMode)
	if err := dp.AttachXDP(ifindex, mode); err != nil {
		dp.Close()
		return fmt.Errorf("attach %s: %w", cfg.Interface, err)
	}
	d.ifindex = ifindex
	d.events.Add(logging.EventRecord{
		Type:   logging.EventAttach,
		Detail: fmt.Sprintf("%s ifindex %d mode %s", cfg.Interface, ifindex, cfg.XDPMode),
		Source: "daemon",
	})
	return nil
}

// stopDataplane detaches, logs the final counters and releases the
// dataplane. Pinned maps survive; "xdplbd cleanup" removes them.
func (d *Daemon) stopDataplane() {
	if d.dp == nil {
		return
	}
	for _, ifindex := range d.dp.Attached() {
		if err := d.dp.DetachXDP(ifindex); err != nil {
			slog.Warn("failed to detach XDP", "ifindex", ifindex, "err", err)
			continue
		}
		if d.events != nil {
			d.events.Add(logging.EventRecord{
				Type:   logging.EventDetach,
				Detail: fmt.Sprintf("%s ifindex %d", d.cfg.Interface, ifindex),
				Source: "daemon",
			})
		}
	}
	logFinalStats(d.dp)
	if err := d.dp.Close(); err != nil {
		slog.Warn("failed to close dataplane", "err", err)
	}
	slog.Info("shutdown complete")
}

// logFinalStats reads and logs the reason counters before shutdown.
func logFinalStats(dp dataplane.DataPlane) {
	if !dp.IsLoaded() {
		return
	}
	ctrs, err := dp.ReadCounters()
	if err != nil {
		slog.Warn("failed to read counters", "err", err)
		return
	}
	attrs := make([]any, 0, (len(ctrs)+1)*2)
	for i, v := range ctrs {
		attrs = append(attrs, redirect.Reason(i).String(), v)
	}
	attrs = append(attrs, "total", ctrs.Total())
	slog.Info("final statistics", attrs...)
}

// setupSyslog wraps the default logger with syslog forwarding when a syslog
// target is configured.
func (d *Daemon) setupSyslog() {
	sc := d.cfg.Syslog
	if sc == nil {
		return
	}
	client, err := logging.NewSyslogClient(sc.Host, sc.Port)
	if err != nil {
		slog.Warn("failed to create syslog client", "host", sc.Host, "err", err)
		return
	}
	if sc.Facility != "" {
		client.Facility = logging.ParseFacility(sc.Facility)
	}
	if sc.Tag != "" {
		client.Tag = sc.Tag
	}
	client.MinSeverity = logging.ParseSeverity(sc.Severity)

	h := logging.NewSyslogSlogHandler(slog.Default().Handler())
	h.SetClients([]*logging.SyslogClient{client})
	d.syslog = h
	d.prevLog = slog.Default()
	slog.SetDefault(slog.New(h))
	slog.Info("syslog forwarding configured", "host", sc.Host, "port", sc.Port)
}

func (d *Daemon) closeSyslog() {
	if d.syslog != nil {
		slog.SetDefault(d.prevLog)
		d.syslog.Close()
	}
}

// apiAuth converts the configured credentials for the HTTP API.
func apiAuth(c *config.APIAuthConfig) *api.AuthConfig {
	if c == nil {
		return nil
	}
	keys := make(map[string]bool, len(c.APIKeys))
	for _, k := range c.APIKeys {
		keys[k] = true
	}
	return &api.AuthConfig{Users: c.Users, APIKeys: keys}
}

// Cleanup removes pinned dataplane state left behind under pinPath.
func Cleanup(pinPath string) error {
	if pinPath == "" {
		pinPath = dataplane.DefaultPinPath
	}
	return dataplane.RemovePinned(pinPath)
}
