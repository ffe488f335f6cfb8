// Package netlinkutil backs the read-only kernel queries the agent and
// mobility processes need a typed answer for, rather than a string to
// parse. Grounded in annis-souames-atomicni's vishvananda/netlink +
// vishvananda/netns dependency pair; every *mutating* dataplane command
// (vxlan create, tc qdisc, bridge isolation, routing) stays on
// pkg/command.Runner because the spec fixes their emitted command text
// bit-exact, so only queries live here.
package netlinkutil

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// HasAddress reports whether ifaceName already carries addr/prefixLen,
// so bootstrap bridge addressing (C4) can skip a redundant `ip addr add`
// on agent restart instead of erring out on "file exists".
func HasAddress(ifaceName, addr string, prefixLen int) (bool, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return false, nil
		}
		return false, fmt.Errorf("netlinkutil: looking up %s: %w", ifaceName, err)
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return false, fmt.Errorf("netlinkutil: invalid address %q", addr)
	}
	family := netlink.FAMILY_V4
	if ip.To4() == nil {
		family = netlink.FAMILY_V6
	}

	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return false, fmt.Errorf("netlinkutil: listing addresses on %s: %w", ifaceName, err)
	}
	for _, a := range addrs {
		ones, _ := a.Mask.Size()
		if a.IP.Equal(ip) && ones == prefixLen {
			return true, nil
		}
	}
	return false, nil
}

// EgressDevice returns the outgoing interface name the kernel's routing
// table would choose for dst, the netlink equivalent of
// `ip -6 route get <dst>` — used by the mobility SRv6 programming (C9)
// to derive the device a `seg6` route should bind to.
func EgressDevice(dst string) (string, error) {
	ip := net.ParseIP(dst)
	if ip == nil {
		return "", fmt.Errorf("netlinkutil: invalid destination %q", dst)
	}

	routes, err := netlink.RouteGet(ip)
	if err != nil {
		return "", fmt.Errorf("netlinkutil: route get %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return "", fmt.Errorf("netlinkutil: no route found for %s", dst)
	}

	link, err := netlink.LinkByIndex(routes[0].LinkIndex)
	if err != nil {
		return "", fmt.Errorf("netlinkutil: resolving egress link for %s: %w", dst, err)
	}
	return link.Attrs().Name, nil
}

// LinkExists reports whether an interface with the given name is present,
// used by reconcilers that need a cheap existence check before an
// idempotent create.
func LinkExists(ifaceName string) (bool, error) {
	_, err := netlink.LinkByName(ifaceName)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(netlink.LinkNotFoundError); ok {
		return false, nil
	}
	return false, fmt.Errorf("netlinkutil: looking up %s: %w", ifaceName, err)
}
