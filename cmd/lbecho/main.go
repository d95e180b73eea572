// lbecho is a UDP backend for exercising xdplbd.
//
// It binds one socket per port, logs every datagram it receives and echoes
// it back to the sender.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1", "address to bind")
	portList := pflag.String("ports", "9997,9998,9999", "comma separated UDP ports")
	noEcho := pflag.Bool("no-echo", false, "log datagrams without replying")
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ports, err := parsePorts(*portList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lbecho: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		conn, err := listenUDP(ctx, *addr, port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lbecho: %v\n", err)
			os.Exit(1)
		}
		slog.Info("listening", "addr", conn.LocalAddr().String())
		e := &echoer{conn: conn, port: port, reply: !*noEcho}
		g.Go(func() error { return e.serve(ctx) })
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "lbecho: %v\n", err)
		os.Exit(1)
	}
}
