// lbctl is the remote CLI client for xdplbd.
//
// It connects to the xdplbd gRPC API. With arguments it runs one command
// and exits; without, it starts an interactive shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/pflag"

	"github.com/psaab/xdplb/pkg/config"
	"github.com/psaab/xdplb/pkg/grpcapi"
)

func main() {
	addr := pflag.String("addr", config.DefaultGRPCAddr, "xdplbd gRPC address")
	pflag.Parse()

	client, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lbctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := client.Status(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lbctl: cannot reach xdplbd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	c := &ctl{client: client, out: os.Stdout}

	if args := pflag.Args(); len(args) > 0 {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := c.dispatch(ctx, strings.Join(args, " ")); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "lbctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xdplb"
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", hostname),
		HistoryFile:     "/tmp/lbctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    c.completer(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lbctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	fmt.Printf("lbctl - connected to xdplbd on %s (uptime: %s)\n", st.Interface, st.Uptime)
	fmt.Println("Type '?' for help")
	fmt.Println()

	// Ctrl-C cancels a running command such as "monitor events".
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		err = c.dispatch(ctx, line)
		cancel()
		if err != nil {
			if err == errExit {
				break
			}
			if err == context.Canceled {
				continue
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}
