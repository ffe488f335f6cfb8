package agent

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/netsatbench/netsatbench/pkg/util"
)

// C6: the routing adapter. Agent implements RoutingAdapter directly and
// dispatches to the static or IS-IS variant per the node's L3 protocol
// selection, so a single Agent can be wired as its own Router
// (agent.Router = agent) without an extra indirection layer.
var _ RoutingAdapter = (*Agent)(nil)

const (
	isisProcessName  = "CORE"
	defaultAreaID    = "0001"
	frrConfPath      = "/etc/frr/frr.conf"
	isisTemplateConf = "isis-template.conf"

	staticRouteMetric    = 20
	ifaceUpRetries       = 5
	ifaceUpRetryInterval = 100 * time.Millisecond
	linkLocalProbeTries  = 5
	linkLocalProbeWait   = 50 * time.Millisecond
)

// frrConfPathOverride and etcHostsPath (see etchosts.go) are swapped out
// in tests so routing never touches the real host filesystem.
var frrConfPathOverride = ""

func effectiveFRRConfPath() string {
	if frrConfPathOverride != "" {
		return frrConfPathOverride
	}
	return frrConfPath
}

// protocol returns "static" or "isis" for self, defaulting to "static"
// when unset (connected-only routing requires no global enablement
// beyond L3Config.EnableISIS / the per-node override).
func (a *Agent) protocol() string {
	node := a.Node()
	if node.L3 != nil && node.L3.Protocol != "" {
		return node.L3.Protocol
	}
	if a.L3Config().EnableISIS {
		return "isis"
	}
	return "static"
}

// InitRouting performs C6's one-time init: for IS-IS, derive the
// system-id, render frr.conf, and restart the routing daemon; optionally
// advertise a default route. For static routing there is nothing to do
// at init time — routes are installed per-link by OnLinkUp.
func (a *Agent) InitRouting(ctx context.Context) error {
	if a.protocol() != "isis" {
		return nil
	}
	return a.initISIS(ctx)
}

// OnLinkUp implements RoutingAdapter for link creation.
func (a *Agent) OnLinkUp(ctx context.Context, ifname string) error {
	if a.protocol() == "isis" {
		return a.isisLinkAdd(ctx, ifname)
	}
	return a.staticLinkAdd(ctx, ifname)
}

// OnLinkDown implements RoutingAdapter for link removal.
func (a *Agent) OnLinkDown(ctx context.Context, ifname string) error {
	if a.protocol() == "isis" {
		return a.isisLinkDel(ctx, ifname)
	}
	// Connected-only routes die with the interface; nothing to undo.
	return nil
}

// ---- Single-hop connected-only routing (static) ----

// staticLinkAdd resolves the peer's address from /etc/hosts, waits for
// the interface to come up, and installs a host route via it: a
// link-local next hop for IPv6 when ND resolves one, otherwise an
// onlink fallback. IPv4 peers get a plain device route.
func (a *Agent) staticLinkAdd(ctx context.Context, ifname string) error {
	peer := peerNameFromIface(ifname)
	peerIP, err := lookupHostsIP(peer)
	if err != nil {
		return fmt.Errorf("routing: resolving %s from /etc/hosts: %w", peer, err)
	}

	if !a.waitForInterfaceUp(ctx, ifname) {
		return fmt.Errorf("routing: interface %s did not come up after %d retries", ifname, ifaceUpRetries)
	}

	ip := net.ParseIP(peerIP)
	if ip == nil {
		return fmt.Errorf("routing: %s resolved to invalid IP %q", peer, peerIP)
	}
	if ip.To4() != nil {
		cmd := fmt.Sprintf("ip route replace %s dev %s metric %d", peerIP, ifname, staticRouteMetric)
		if _, err := a.Runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("routing: installing v4 route to %s: %w", peer, err)
		}
		return nil
	}

	if ll := a.resolvePeerLinkLocal(ctx, peerIP, ifname); ll != "" {
		cmd := fmt.Sprintf("ip -6 route replace %s via %s dev %s metric %d", peerIP, ll, ifname, staticRouteMetric)
		if _, err := a.Runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("routing: installing v6 route to %s via %s: %w", peer, ll, err)
		}
		util.WithNode(a.Self).WithField("peer", peer).Info("routing: connected-only route added via link-local")
		return nil
	}

	cmd := fmt.Sprintf("ip -6 route replace %s dev %s metric %d onlink", peerIP, ifname, staticRouteMetric)
	if _, err := a.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("routing: installing onlink v6 route to %s: %w", peer, err)
	}
	util.WithNode(a.Self).WithField("peer", peer).Warn("routing: connected-only route added onlink, no link-local address resolved")
	return nil
}

// peerNameFromIface recovers the peer node name from the C5 naming
// convention "vl_<peerName>_<peerAntenna>".
func peerNameFromIface(ifname string) string {
	// peerName itself may contain underscores; the antenna is always the
	// final "_<digits>" component, so split from the right.
	full := strings.TrimPrefix(ifname, "vl_")
	idx := strings.LastIndex(full, "_")
	if idx < 0 {
		return full
	}
	return full[:idx]
}

func lookupHostsIP(name string) (string, error) {
	f, err := os.Open(etcHostsPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == name {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no /etc/hosts entry for %s", name)
}

func (a *Agent) waitForInterfaceUp(ctx context.Context, ifname string) bool {
	for attempt := 0; attempt < ifaceUpRetries; attempt++ {
		res, err := a.Runner.Run(ctx, fmt.Sprintf("ip link show %s", ifname))
		if err == nil && res.Succeeded() && strings.Contains(res.Stdout, "UP") {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ifaceUpRetryInterval):
		}
	}
	return false
}

// resolvePeerLinkLocal looks up peerIPv6's neighbor link-local address,
// probing with a ping if the neighbor table has no entry yet.
func (a *Agent) resolvePeerLinkLocal(ctx context.Context, peerIPv6, ifname string) string {
	lookup := func() string {
		res, err := a.Runner.Run(ctx, fmt.Sprintf("ip -6 neigh show to %s dev %s", peerIPv6, ifname))
		if err == nil {
			if ll := firstLinkLocalToken(res.Stdout); ll != "" {
				return ll
			}
		}
		res, err = a.Runner.Run(ctx, fmt.Sprintf("ip -6 neigh show dev %s", ifname))
		if err == nil {
			for _, line := range strings.Split(res.Stdout, "\n") {
				if !strings.Contains(line, peerIPv6) {
					continue
				}
				if ll := firstLinkLocalToken(line); ll != "" {
					return ll
				}
			}
		}
		return ""
	}

	if ll := lookup(); ll != "" {
		return ll
	}
	for i := 0; i < linkLocalProbeTries; i++ {
		a.Runner.Run(ctx, fmt.Sprintf("ping -6 -c 1 -W 1 -I %s %s", ifname, peerIPv6))
		if ll := lookup(); ll != "" {
			return ll
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(linkLocalProbeWait):
		}
	}
	return ""
}

func firstLinkLocalToken(s string) string {
	for _, tok := range strings.Fields(s) {
		if strings.HasPrefix(strings.ToLower(tok), "fe80:") {
			return tok
		}
	}
	return ""
}

// ---- IS-IS via FRR ----

// deriveSysID derives the 8-digit IS-IS system-id (spec §4.6): the high
// 32 bits of SHA-256(name), modulo 10^8, left-padded, split into two
// 4-digit halves.
func deriveSysID(name string) (part1, part2 string) {
	sum := sha256.Sum256([]byte(name))
	num := binary.BigEndian.Uint32(sum[:4])
	sysID := fmt.Sprintf("%08d", num%100000000)
	return sysID[:4], sysID[4:]
}

const isisConfTemplate = `hostname {{.Hostname}}
!
interface {{.LoIface}}
{{- if .LoIPv4}}
 ip router isis {{.ISISName}}
 ip address {{.LoIPv4}}
{{- end}}
{{- if .LoIPv6}}
 ipv6 router isis {{.ISISName}}
 ipv6 address {{.LoIPv6}}
{{- end}}
!
router isis {{.ISISName}}
 net 49.{{.AreaID}}.{{.Part1}}.{{.Part2}}.00
 is-type level-2-only
 metric-style wide
!
`

type isisConfData struct {
	Hostname string
	LoIface  string
	LoIPv4   string
	LoIPv6   string
	ISISName string
	AreaID   string
	Part1    string
	Part2    string
}

// isisFamilies reports which IP families IS-IS should enable on the
// loopback and every link interface, per L3Config.IPVersion.
func (a *Agent) isisFamilies() (v4, v6 bool) {
	return enabledFamilies(a.L3Config())
}

func (a *Agent) initISIS(ctx context.Context) error {
	node := a.Node()
	v4, v6 := a.isisFamilies()
	if !v4 && !v6 {
		return fmt.Errorf("routing: node %s has no IS-IS address family enabled", a.Self)
	}

	areaID := defaultAreaID
	if node.L3 != nil && node.L3.AreaID != "" {
		areaID = node.L3.AreaID
	}
	part1, part2 := deriveSysID(a.Self)

	data := isisConfData{
		Hostname: a.Self,
		LoIface:  "lo",
		ISISName: isisProcessName,
		AreaID:   areaID,
		Part1:    part1,
		Part2:    part2,
	}

	if v4 {
		if node.SubnetV4 == "" {
			return fmt.Errorf("routing: node %s has no IPv4 subnet, cannot derive IS-IS loopback", a.Self)
		}
		loIP, err := util.HostFromTop(node.SubnetV4, node.Antennas) // one past the last bridge offset
		if err != nil {
			return fmt.Errorf("routing: deriving IPv4 loopback address: %w", err)
		}
		_, maskLen := util.SplitIPMask(node.SubnetV4)
		data.LoIPv4 = fmt.Sprintf("%s/%d", loIP, maskLen)
	}
	if v6 {
		if node.SubnetV6 == "" {
			return fmt.Errorf("routing: node %s has no IPv6 subnet, cannot derive IS-IS loopback", a.Self)
		}
		loIP, err := util.HostFromTopV6(node.SubnetV6, node.Antennas)
		if err != nil {
			return fmt.Errorf("routing: deriving IPv6 loopback address: %w", err)
		}
		_, maskLen := util.SplitIPMask(node.SubnetV6)
		data.LoIPv6 = fmt.Sprintf("%s/%d", loIP, maskLen)
	}

	tmpl, err := template.New(isisTemplateConf).Parse(isisConfTemplate)
	if err != nil {
		return fmt.Errorf("routing: parsing isis config template: %w", err)
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, data); err != nil {
		return fmt.Errorf("routing: rendering isis config: %w", err)
	}
	if err := os.WriteFile(effectiveFRRConfPath(), []byte(rendered.String()), 0644); err != nil {
		return fmt.Errorf("routing: writing %s: %w", effectiveFRRConfPath(), err)
	}

	if _, err := a.Runner.Run(ctx, "service frr restart"); err != nil {
		return fmt.Errorf("routing: restarting frr: %w", err)
	}
	time.Sleep(time.Second)

	util.WithNode(a.Self).WithField("sysid", part1+part2).WithField("area", areaID).Info("routing: IS-IS configured")

	if node.L3 != nil && node.L3.AdvertiseDefaultRoute {
		return a.advertiseDefaultRoute(ctx)
	}
	return nil
}

// advertiseDefaultRoute learns the current default gateway and replaces
// it with two /1 static routes redistributed into IS-IS level-2, a
// portable stand-in for redistributing a literal default route, plus
// NAT masquerade on the uplink for IPv4 egress.
func (a *Agent) advertiseDefaultRoute(ctx context.Context) error {
	res, err := a.Runner.Run(ctx, "ip route show default")
	if err != nil || !res.Succeeded() {
		return fmt.Errorf("routing: determining default gateway: %w", err)
	}
	fields := strings.Fields(res.Stdout)
	var gw string
	for i, f := range fields {
		if f == "via" && i+1 < len(fields) {
			gw = fields[i+1]
			break
		}
	}
	if gw == "" {
		return fmt.Errorf("routing: no default gateway found in %q", res.Stdout)
	}

	cmd := vtyshCmd(
		"conf t",
		fmt.Sprintf("ip route 0.0.0.0/1 %s", gw),
		fmt.Sprintf("ip route 128.0.0.0/1 %s", gw),
		fmt.Sprintf("router isis %s", isisProcessName),
		"redistribute ipv4 static level-2",
		"end",
	)
	if _, err := a.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("routing: configuring default route advertisement: %w", err)
	}

	uplink := a.Uplink()
	if uplink == "" {
		uplink = "eth0"
	}
	nat := fmt.Sprintf("iptables -t nat -A POSTROUTING -o %s -j MASQUERADE", uplink)
	if _, err := a.Runner.Run(ctx, nat); err != nil {
		return fmt.Errorf("routing: enabling NAT masquerade on %s: %w", uplink, err)
	}
	return nil
}

// isisLinkAdd enables IS-IS on a newly created interface, for whichever
// address family/families L3Config.IPVersion selects.
func (a *Agent) isisLinkAdd(ctx context.Context, ifname string) error {
	v4, v6 := a.isisFamilies()
	lines := []string{"conf t", fmt.Sprintf("interface %s", ifname)}
	if v4 {
		lines = append(lines, fmt.Sprintf("ip router isis %s", isisProcessName))
	}
	if v6 {
		lines = append(lines, fmt.Sprintf("ipv6 router isis %s", isisProcessName))
	}
	lines = append(lines, "isis network point-to-point", "end")

	cmd := vtyshCmd(lines...)
	if _, err := a.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("routing: enabling isis on %s: %w", ifname, err)
	}
	return nil
}

// isisLinkDel retracts the interface from the FRR configuration.
func (a *Agent) isisLinkDel(ctx context.Context, ifname string) error {
	cmd := vtyshCmd("conf t", fmt.Sprintf("no interface %s", ifname), "end")
	if _, err := a.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("routing: disabling isis on %s: %w", ifname, err)
	}
	return nil
}

// vtyshCmd renders a vtysh invocation: one "-c" flag per config
// line, matching the exact invocation shape FRR's vtysh expects.
func vtyshCmd(lines ...string) string {
	var b strings.Builder
	b.WriteString("vtysh")
	for _, l := range lines {
		fmt.Fprintf(&b, " -c %q", l)
	}
	return b.String()
}
