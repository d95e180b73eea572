package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/grpc/status"

	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/rotation"
)

var errExit = errors.New("exit")

// controlClient is the subset of grpcapi.Client used by the shell.
type controlClient interface {
	Status(ctx context.Context) (control.Status, error)
	ListBackends(ctx context.Context) ([]control.Backend, error)
	GetBackends(ctx context.Context, listenPort uint16) (control.Backend, error)
	SetBackends(ctx context.Context, listenPort uint16, ports []uint16) (control.Backend, error)
	DeleteBackends(ctx context.Context, listenPort uint16) error
	Statistics(ctx context.Context) (control.Statistics, error)
	Simulate(ctx context.Context, listenPort uint16, count int) (control.Simulation, error)
	Events(ctx context.Context, limit int, f logging.EventFilter) ([]logging.EventRecord, error)
	WatchEvents(ctx context.Context, types string, fn func(logging.EventRecord) bool) error
}

type ctl struct {
	client controlClient
	out    io.Writer
}

// rpcError strips the gRPC status wrapper for display.
func rpcError(err error) error {
	if s, ok := status.FromError(err); ok {
		return errors.New(s.Message())
	}
	return err
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

func isBackends(s string) bool {
	return s == "backends" || s == "backend"
}

func (c *ctl) dispatch(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(ctx, parts[1:])

	case "set":
		if len(parts) < 4 || !isBackends(parts[1]) {
			return fmt.Errorf("usage: set backends <listen-port> <port> [port...]")
		}
		return c.setBackends(ctx, parts[2], parts[3:])

	case "delete":
		if len(parts) != 3 || !isBackends(parts[1]) {
			return fmt.Errorf("usage: delete backends <listen-port>")
		}
		return c.deleteBackends(ctx, parts[2])

	case "simulate":
		if len(parts) < 2 || len(parts) > 3 {
			return fmt.Errorf("usage: simulate <listen-port> [count]")
		}
		return c.simulate(ctx, parts[1:])

	case "monitor":
		if len(parts) < 2 || parts[1] != "events" {
			return fmt.Errorf("usage: monitor events [type,...]")
		}
		return c.monitorEvents(ctx, parts[2:])

	case "quit", "exit":
		return errExit

	case "?", "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show <status|backends|statistics|events>")
	}
	switch args[0] {
	case "status":
		return c.showStatus(ctx)
	case "backends", "backend":
		return c.showBackends(ctx, args[1:])
	case "statistics", "counters":
		return c.showStatistics(ctx)
	case "events":
		return c.showEvents(ctx, args[1:])
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *ctl) showStatus(ctx context.Context) error {
	st, err := c.client.Status(ctx)
	if err != nil {
		return rpcError(err)
	}
	fmt.Fprintln(c.out, "Daemon status:")
	fmt.Fprintf(c.out, "  %-20s %s\n", "Uptime:", st.Uptime)
	fmt.Fprintf(c.out, "  %-20s %s (ifindex %d)\n", "Interface:", st.Interface, st.Ifindex)
	fmt.Fprintf(c.out, "  %-20s %s\n", "Dataplane:", st.Dataplane)
	fmt.Fprintf(c.out, "  %-20s %s\n", "XDP mode:", st.XDPMode)
	fmt.Fprintf(c.out, "  %-20s %s\n", "Rotation:", st.Rotation)
	fmt.Fprintf(c.out, "  %-20s %v\n", "Loaded:", st.Loaded)
	fmt.Fprintf(c.out, "  %-20s %v\n", "Attached:", st.Attached)
	fmt.Fprintf(c.out, "  %-20s %d/%d\n", "Entries:", st.Entries, st.MaxEntries)
	return nil
}

func (c *ctl) printBackend(b control.Backend) {
	next := "-"
	if b.Next != 0 {
		next = strconv.Itoa(int(b.Next))
	}
	fmt.Fprintf(c.out, "%-8d %-28s %-7d %s\n", b.ListenPort, fmt.Sprint(b.Backends), b.Cursor, next)
}

func (c *ctl) showBackends(ctx context.Context, args []string) error {
	var list []control.Backend
	if len(args) > 0 {
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		b, err := c.client.GetBackends(ctx, port)
		if err != nil {
			return rpcError(err)
		}
		list = []control.Backend{b}
	} else {
		var err error
		if list, err = c.client.ListBackends(ctx); err != nil {
			return rpcError(err)
		}
	}
	if len(list) == 0 {
		fmt.Fprintln(c.out, "no backend sets configured")
		return nil
	}
	fmt.Fprintf(c.out, "%-8s %-28s %-7s %s\n", "Port", "Backends", "Cursor", "Next")
	for _, b := range list {
		c.printBackend(b)
	}
	return nil
}

func (c *ctl) showStatistics(ctx context.Context) error {
	st, err := c.client.Statistics(ctx)
	if err != nil {
		return rpcError(err)
	}
	names := make([]string, 0, len(st.Counters))
	for name := range st.Counters {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(c.out, "Packet statistics:")
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-25s %d\n", name+":", st.Counters[name])
	}
	fmt.Fprintf(c.out, "  %-25s %d\n", "total:", st.Total)
	if a := st.Auditor; a != nil {
		fmt.Fprintln(c.out, "Auditor:")
		fmt.Fprintf(c.out, "  %-25s %d\n", "sweeps:", a.Sweeps)
		fmt.Fprintf(c.out, "  %-25s %d\n", "repaired:", a.Repaired)
		fmt.Fprintf(c.out, "  %-25s %d\n", "malformed:", a.Malformed)
		fmt.Fprintf(c.out, "  %-25s %s\n", "last sweep:", a.LastDuration)
	}
	return nil
}

func (c *ctl) showEvents(ctx context.Context, args []string) error {
	limit := 50
	var f logging.EventFilter
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "type":
			if i+1 < len(args) {
				i++
				f.Type = args[i]
			}
		case "port":
			if i+1 < len(args) {
				i++
				port, err := parsePort(args[i])
				if err != nil {
					return err
				}
				f.ListenPort = port
			}
		default:
			if v, err := strconv.Atoi(args[i]); err == nil && v > 0 {
				limit = v
			}
		}
	}

	events, err := c.client.Events(ctx, limit, f)
	if err != nil {
		return rpcError(err)
	}
	if len(events) == 0 {
		fmt.Fprintln(c.out, "no events recorded")
		return nil
	}
	for _, e := range events {
		c.printEvent(e)
	}
	fmt.Fprintf(c.out, "(%d events shown)\n", len(events))
	return nil
}

func (c *ctl) printEvent(e logging.EventRecord) {
	port := "-"
	if e.ListenPort != 0 {
		port = strconv.Itoa(int(e.ListenPort))
	}
	fmt.Fprintf(c.out, "%s %-16s port=%-6s source=%-8s %s\n",
		e.Time.Format(time.RFC3339), e.Type, port, e.Source, e.Detail)
}

// parseBackendPorts accepts space or comma separated ports.
func parseBackendPorts(args []string) ([]uint16, error) {
	var ports []uint16
	for _, arg := range args {
		for _, s := range strings.Split(arg, ",") {
			if s == "" {
				continue
			}
			p, err := parsePort(s)
			if err != nil {
				return nil, err
			}
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 || len(ports) > rotation.Capacity {
		return nil, fmt.Errorf("need 1 to %d backend ports, got %d", rotation.Capacity, len(ports))
	}
	return ports, nil
}

func (c *ctl) setBackends(ctx context.Context, listen string, args []string) error {
	port, err := parsePort(listen)
	if err != nil {
		return err
	}
	ports, err := parseBackendPorts(args)
	if err != nil {
		return err
	}
	b, err := c.client.SetBackends(ctx, port, ports)
	if err != nil {
		return rpcError(err)
	}
	fmt.Fprintf(c.out, "listen port %d -> %v\n", b.ListenPort, b.Backends)
	return nil
}

func (c *ctl) deleteBackends(ctx context.Context, listen string) error {
	port, err := parsePort(listen)
	if err != nil {
		return err
	}
	if err := c.client.DeleteBackends(ctx, port); err != nil {
		return rpcError(err)
	}
	fmt.Fprintf(c.out, "listen port %d deleted\n", port)
	return nil
}

func (c *ctl) simulate(ctx context.Context, args []string) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	count := 0
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil || count < 1 {
			return fmt.Errorf("invalid count %q", args[1])
		}
	}
	sim, err := c.client.Simulate(ctx, port, count)
	if err != nil {
		return rpcError(err)
	}
	fmt.Fprintf(c.out, "listen port %d, cursor %d -> %d\n", sim.ListenPort, sim.Start.Cursor, sim.End.Cursor)
	for i, p := range sim.Backends {
		fmt.Fprintf(c.out, "  packet %-4d -> %d\n", i+1, p)
	}
	return nil
}

func (c *ctl) monitorEvents(ctx context.Context, args []string) error {
	fmt.Fprintln(c.out, "monitoring events (Ctrl-C to stop)")
	err := c.client.WatchEvents(ctx, strings.Join(args, ","), func(e logging.EventRecord) bool {
		c.printEvent(e)
		return true
	})
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err != nil {
		return rpcError(err)
	}
	return nil
}

// completer builds the tab-completion tree. Listen ports are fetched from
// the daemon on demand.
func (c *ctl) completer() readline.AutoCompleter {
	ports := func(string) []string {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		list, err := c.client.ListBackends(ctx)
		if err != nil {
			return nil
		}
		out := make([]string, 0, len(list))
		for _, b := range list {
			out = append(out, strconv.Itoa(int(b.ListenPort)))
		}
		return out
	}
	eventTypes := []readline.PrefixCompleterInterface{
		readline.PcItem(logging.EventBackendSet),
		readline.PcItem(logging.EventBackendDelete),
		readline.PcItem(logging.EventCursorRepaired),
		readline.PcItem(logging.EventAttach),
		readline.PcItem(logging.EventDetach),
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("show",
			readline.PcItem("status"),
			readline.PcItem("backends", readline.PcItemDynamic(ports)),
			readline.PcItem("statistics"),
			readline.PcItem("events",
				readline.PcItem("type", eventTypes...),
				readline.PcItem("port", readline.PcItemDynamic(ports)),
			),
		),
		readline.PcItem("set", readline.PcItem("backends")),
		readline.PcItem("delete", readline.PcItem("backends", readline.PcItemDynamic(ports))),
		readline.PcItem("simulate", readline.PcItemDynamic(ports)),
		readline.PcItem("monitor", readline.PcItem("events", eventTypes...)),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func (c *ctl) showHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  show status                              Show daemon status")
	fmt.Fprintln(c.out, "  show backends [listen-port]              Show backend sets and cursors")
	fmt.Fprintln(c.out, "  show statistics                          Show packet counters")
	fmt.Fprintln(c.out, "  show events [N] [type T] [port P]        Show recent control events")
	fmt.Fprintln(c.out, "  set backends <listen-port> <port>...     Install up to 4 backends")
	fmt.Fprintln(c.out, "  delete backends <listen-port>            Remove a backend set")
	fmt.Fprintln(c.out, "  simulate <listen-port> [count]           Predict the next backends")
	fmt.Fprintln(c.out, "  monitor events [type,...]                Stream control events")
	fmt.Fprintln(c.out, "  quit                                     Exit")
}
