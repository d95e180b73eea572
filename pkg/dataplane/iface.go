package dataplane

import (
	"fmt"
	"log/slog"

	"github.com/vishvananda/netlink"
)

// ResolveInterface returns the ifindex of the named interface.
func ResolveInterface(name string) (int, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %s: %w", name, err)
	}
	attrs := l.Attrs()
	if attrs.OperState != netlink.OperUp && attrs.OperState != netlink.OperUnknown {
		slog.Warn("interface is not up", "iface", name, "state", attrs.OperState.String())
	}
	return attrs.Index, nil
}
