// xdplbd is the XDP UDP load balancer daemon.
//
// It attaches a round-robin port redirector to one interface and serves
// the control plane over HTTP and gRPC.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/psaab/xdplb/pkg/config"
	"github.com/psaab/xdplb/pkg/daemon"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		fs := pflag.NewFlagSet("cleanup", pflag.ExitOnError)
		pinPath := fs.String("pin-path", "", "bpffs directory holding pinned maps (default /sys/fs/bpf/xdplb)")
		fs.Parse(os.Args[2:])
		if err := daemon.Cleanup(*pinPath); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup BPF: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("pinned BPF state removed")
		return
	}

	configFile := pflag.StringP("config", "c", config.DefaultPath, "configuration file path")
	iface := pflag.StringP("iface", "i", config.DefaultInterface, "interface to attach the XDP program to")
	xdpMode := pflag.String("xdp-mode", "auto", "XDP attach mode: auto, native, generic")
	dpType := pflag.String("dataplane", "xdp", "dataplane: xdp or userspace")
	rotationMode := pflag.String("rotation", "relaxed", "rotation mode: relaxed or strict (userspace only)")
	apiAddr := pflag.String("api-addr", config.DefaultAPIAddr, "HTTP API listen address (empty to disable)")
	grpcAddr := pflag.String("grpc-addr", config.DefaultGRPCAddr, "gRPC API listen address (empty to disable)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	// Set up structured logging
	logLevel := new(slog.LevelVar)
	if *debug {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Flags given explicitly override the config file.
	changed := pflag.CommandLine.Changed
	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		LogLevel:   logLevel,
		Override: func(c *config.Config) {
			if changed("iface") {
				c.Interface = *iface
			}
			if changed("xdp-mode") {
				c.XDPMode = *xdpMode
			}
			if changed("dataplane") {
				c.Dataplane = *dpType
			}
			if changed("rotation") {
				c.Rotation = *rotationMode
			}
			if changed("api-addr") {
				c.APIAddr = *apiAddr
			}
			if changed("grpc-addr") {
				c.GRPCAddr = *grpcAddr
			}
			if *debug {
				c.Debug = true
			}
		},
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "xdplbd: %v\n", err)
		os.Exit(1)
	}
}
