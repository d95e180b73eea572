package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const maxDatagram = 65535

// parsePorts parses a comma separated list of unique, non-zero UDP ports.
func parsePorts(s string) ([]uint16, error) {
	var ports []uint16
	seen := make(map[uint16]bool)
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		p := uint16(n)
		if seen[p] {
			return nil, fmt.Errorf("duplicate port %d", p)
		}
		seen[p] = true
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, errors.New("no ports given")
	}
	return ports, nil
}

// listenUDP binds addr:port with SO_REUSEADDR so a restarted backend can
// rebind immediately.
func listenUDP(ctx context.Context, addr string, port uint16) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	hostport := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	conn, err := lc.ListenPacket(ctx, "udp4", hostport)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", hostport, err)
	}
	return conn, nil
}

type echoer struct {
	conn  net.PacketConn
	port  uint16
	reply bool
}

// serve reads datagrams until ctx is cancelled. The socket is closed on
// return.
func (e *echoer) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.conn.Close() })
	defer stop()
	defer e.conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read on port %d: %w", e.port, err)
		}
		slog.Info("datagram received",
			"port", e.port,
			"from", from.String(),
			"len", n,
			"data", printable(buf[:n]))
		if !e.reply {
			continue
		}
		if _, err := e.conn.WriteTo(buf[:n], from); err != nil {
			slog.Warn("echo failed", "port", e.port, "to", from.String(), "err", err)
		}
	}
}

// printable renders payload for logging, quoting non-UTF-8 content.
func printable(b []byte) string {
	const limit = 256
	if len(b) > limit {
		b = b[:limit]
	}
	return strconv.QuoteToASCII(string(b))
}
