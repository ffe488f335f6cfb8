package mobility

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/netlinkutil"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// State is the user-process FSM's current phase, per spec §4.9.
type State int

const (
	NotRegistered State = iota
	RegistrationInProgress
	Registered
	HandoverInProgress
)

func (s State) String() string {
	switch s {
	case NotRegistered:
		return "not_registered"
	case RegistrationInProgress:
		return "registration_in_progress"
	case Registered:
		return "registered"
	case HandoverInProgress:
		return "handover_in_progress"
	default:
		return "unknown"
	}
}

// EligibilityFunc decides whether a newly observed link should trigger a
// handover away from the currently serving peer. The default
// implementation compares delay; DefaultEligibility and AlwaysEligible
// are the two variants spec §4.9 names.
type EligibilityFunc func(current, candidate LinkDelay) bool

// LinkDelay is the subset of a link record a user's eligibility
// predicate needs: the peer name and its netem delay.
type LinkDelay struct {
	Peer  string
	Delay time.Duration
}

// DefaultEligibility triggers a handover iff the candidate's delay minus
// the currently serving peer's is below EligibilityMargin (more than 5ms
// lower).
func DefaultEligibility(current, candidate LinkDelay) bool {
	return candidate.Delay-current.Delay < EligibilityMargin
}

// AlwaysEligible always triggers a handover to a freshly observed link,
// the alternative predicate spec §4.9 allows.
func AlwaysEligible(current, candidate LinkDelay) bool {
	return true
}

// User is the client role of C9: it registers with a ground station via
// the lowest-delay peer it can see, then watches for lower-delay peers
// and triggers handovers per its eligibility predicate.
type User struct {
	Self          string
	LocalIPv6     string
	GroundAddr    string // ground station's IPv6 or hostname
	GroundPort    int    // defaults to DefaultGroundPort
	CallbackPort  int    // defaults to DefaultCallbackPort
	Runner        command.Runner
	KV            store.KV
	Watch         Watcher
	ShapingDevice string // defaults to DefaultShapingDevice
	HandoverDelay time.Duration
	MTU           int
	Eligibility   EligibilityFunc // defaults to DefaultEligibility

	mu      sync.Mutex
	state   State
	current LinkDelay // currently serving peer
	pending LinkDelay // peer a registration/handover request is in flight toward
	txid    string    // in-flight request's txid, for correlating the reply
	timer   *time.Timer

	groundIP string // GroundAddr resolved to a literal IPv6 address
	conn     *net.UDPConn
}

// Watcher is satisfied structurally by *store.Client, mirroring
// pkg/agent's injected watch source.
type Watcher interface {
	WatchPrefix(ctx context.Context, prefix string) <-chan store.Event
}

// NewUser constructs a User for node self with spec-default ports,
// shaping device, and eligibility predicate.
func NewUser(self, localIPv6, groundAddr string, kv store.KV, runner command.Runner) *User {
	return &User{
		Self:          self,
		LocalIPv6:     localIPv6,
		GroundAddr:    groundAddr,
		GroundPort:    DefaultGroundPort,
		CallbackPort:  DefaultCallbackPort,
		Runner:        runner,
		KV:            kv,
		ShapingDevice: DefaultShapingDevice,
		MTU:           1500,
		Eligibility:   DefaultEligibility,
	}
}

func (u *User) log() *logrus.Entry {
	return util.WithNode(u.Self)
}

// Run starts the user process: opens its callback listener, picks the
// lowest-delay peer, registers, and watches for eligible handovers.
// Blocks until ctx is canceled.
func (u *User) Run(ctx context.Context) error {
	groundIP, err := resolveIPv6(u.GroundAddr)
	if err != nil {
		return fmt.Errorf("mobility: resolving ground station address %q: %w", u.GroundAddr, err)
	}
	u.groundIP = groundIP

	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.ParseIP("::"), Port: u.CallbackPort})
	if err != nil {
		return fmt.Errorf("mobility: user callback listen on :%d: %w", u.CallbackPort, err)
	}
	u.conn = conn
	defer conn.Close()

	if u.HandoverDelay > 0 {
		if err := InitHTB(ctx, u.Runner, u.ShapingDevice); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go u.recvLoop(ctx)

	best, ok, err := u.lowestDelayPeer(ctx)
	if err != nil {
		return fmt.Errorf("mobility: scanning links for initial peer: %w", err)
	}
	if ok {
		u.startRegistration(ctx, best)
	} else {
		u.log().Warn("mobility: no links observed at startup, awaiting one before registering")
	}

	if u.Watch == nil {
		return fmt.Errorf("mobility: User.Run called with no Watcher configured")
	}
	ch := u.Watch.WatchPrefix(ctx, topo.PrefixLinks)
	for ev := range ch {
		u.handleLinkEvent(ctx, ev)
	}
	return ctx.Err()
}

func (u *User) handleLinkEvent(ctx context.Context, ev store.Event) {
	switch ev.Kind {
	case store.EventResync:
		return
	case store.EventDelete:
		u.handleLinkDelete(ctx, ev.Key)
	case store.EventPut:
		u.handleLinkPut(ctx, ev.Value)
	}
}

func (u *User) handleLinkPut(ctx context.Context, raw string) {
	var l topo.Link
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return
	}
	if !l.HasEndpoint(u.Self) {
		return
	}
	peer, _, _, ok := l.Peer(u.Self)
	if !ok {
		return
	}
	delay, _ := time.ParseDuration(l.Shaping.Delay)
	candidate := LinkDelay{Peer: peer, Delay: delay}

	u.mu.Lock()
	state := u.state
	current := u.current
	u.mu.Unlock()

	switch state {
	case NotRegistered:
		u.startRegistration(ctx, candidate)
	case Registered:
		if u.Eligibility(current, candidate) {
			u.startHandover(ctx, candidate)
		}
	}
}

// handleLinkDelete resets registration if the link that just disappeared
// was the one carrying the currently serving peer, per spec §4.9.
func (u *User) handleLinkDelete(ctx context.Context, key string) {
	u.mu.Lock()
	serving := u.current.Peer
	u.mu.Unlock()
	if serving == "" {
		return
	}
	// The deleted key's canonical form names both endpoints; a cheap
	// containment check is enough since node names don't collide with
	// the "_" separator in a way that creates false positives in
	// practice (link keys are "<A>_<B>_<antA>_<antB>").
	if !strings.Contains(key, serving) {
		return
	}
	u.mu.Lock()
	u.state = NotRegistered
	u.current = LinkDelay{}
	u.mu.Unlock()
	u.log().Warn("mobility: serving link removed, resetting to not_registered")

	if best, ok, err := u.lowestDelayPeer(ctx); err == nil && ok {
		u.startRegistration(ctx, best)
	}
}

// lowestDelayPeer scans /config/links/ for every link touching self and
// returns the one with the lowest netem delay, per spec §4.9's startup
// peer-selection rule.
func (u *User) lowestDelayPeer(ctx context.Context) (LinkDelay, bool, error) {
	links, err := u.KV.GetPrefix(ctx, topo.PrefixLinks)
	if err != nil {
		return LinkDelay{}, false, fmt.Errorf("mobility: scanning links: %w", err)
	}
	var best LinkDelay
	found := false
	for _, raw := range links {
		var l topo.Link
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		if !l.HasEndpoint(u.Self) {
			continue
		}
		peer, _, _, ok := l.Peer(u.Self)
		if !ok {
			continue
		}
		delay, _ := time.ParseDuration(l.Shaping.Delay)
		if !found || delay < best.Delay {
			best = LinkDelay{Peer: peer, Delay: delay}
			found = true
		}
	}
	return best, found, nil
}

// startRegistration sends a registration_request via the given peer and
// arms the registration timer.
func (u *User) startRegistration(ctx context.Context, via LinkDelay) {
	u.mu.Lock()
	u.state = RegistrationInProgress
	u.pending = via
	u.mu.Unlock()

	if err := u.routeViaPeer(ctx, via.Peer); err != nil {
		u.log().WithField("error", err).Warn("mobility: installing temporary route to ground station failed")
	}

	txid := txID(time.Now())
	u.mu.Lock()
	u.txid = txid
	u.mu.Unlock()

	msg := Message{
		Type:         MsgRegistrationRequest,
		TxID:         txid,
		UserID:       u.Self,
		UserIPv6:     u.LocalIPv6,
		InitSatIPv6:  via.Peer,
		CallbackPort: u.CallbackPort,
	}
	if err := u.send(msg); err != nil {
		u.log().WithField("error", err).Warn("mobility: sending registration_request failed")
	}
	u.log().WithField("via", via.Peer).Info("mobility: registration_request sent")

	u.armTimer(RegistrationTimeout, func() {
		u.mu.Lock()
		if u.state == RegistrationInProgress {
			u.state = NotRegistered
		}
		u.mu.Unlock()
		u.log().Warn("mobility: registration timed out, resetting to not_registered")
	})
}

// startHandover sends a handover_request toward the candidate peer and
// arms the handover timer.
func (u *User) startHandover(ctx context.Context, via LinkDelay) {
	u.mu.Lock()
	u.state = HandoverInProgress
	u.pending = via
	u.mu.Unlock()

	txid := txID(time.Now())
	u.mu.Lock()
	u.txid = txid
	u.mu.Unlock()

	msg := Message{
		Type:         MsgHandoverRequest,
		TxID:         txid,
		UserID:       u.Self,
		UserIPv6:     u.LocalIPv6,
		NewSatIPv6:   via.Peer,
		CallbackPort: u.CallbackPort,
	}
	if err := u.send(msg); err != nil {
		u.log().WithField("error", err).Warn("mobility: sending handover_request failed")
	}
	u.log().WithField("via", via.Peer).Info("mobility: handover_request sent")

	u.armTimer(HandoverTimeout, func() {
		u.mu.Lock()
		if u.state == HandoverInProgress {
			u.state = Registered // stay on the current peer, retry later
		}
		u.mu.Unlock()
		u.log().Warn("mobility: handover timed out, staying on current peer")
	})
}

func (u *User) armTimer(d time.Duration, onExpire func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.timer != nil {
		u.timer.Stop()
	}
	u.timer = time.AfterFunc(d, onExpire)
}

func (u *User) recvLoop(ctx context.Context) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			u.log().WithField("error", err).Warn("mobility: dropping malformed reply")
			continue
		}
		u.handleReply(ctx, msg)
	}
}

func (u *User) handleReply(ctx context.Context, msg Message) {
	u.mu.Lock()
	expected := u.txid
	u.mu.Unlock()
	if msg.TxID != "" && msg.TxID != expected {
		return // stale or unrelated reply
	}

	switch msg.Type {
	case MsgRegistrationAccept:
		u.applyRoute(ctx, msg, false)
		u.mu.Lock()
		if u.timer != nil {
			u.timer.Stop()
		}
		u.state = Registered
		u.current = u.pending
		u.mu.Unlock()
		u.log().Info("mobility: registered")
	case MsgHandoverCommand:
		u.applyRoute(ctx, msg, true)
		u.mu.Lock()
		if u.timer != nil {
			u.timer.Stop()
		}
		u.state = Registered
		u.current = u.pending
		u.mu.Unlock()
		u.log().Info("mobility: handover complete")
	}
}

// applyRoute installs the received SID list on the IPv6 default route
// (mode seg6 encap), and, if a handover delay is configured, throttles
// the shaping class for exactly that delay first.
func (u *User) applyRoute(ctx context.Context, msg Message, isHandover bool) {
	sids := msg.SidList()
	if len(sids) == 0 {
		return
	}
	lastSid := sids[len(sids)-1]

	if isHandover && u.HandoverDelay > 0 {
		idx := 0 // single ground station correspondent per user in this topology
		if err := ThrottleThenRestore(ctx, u.Runner, u.ShapingDevice, idx, u.MTU, u.HandoverDelay); err != nil {
			u.log().WithField("error", err).Warn("mobility: handover throttle failed")
		}
	}

	dev, err := netlinkutil.EgressDevice(lastSid)
	if err != nil {
		u.log().WithField("error", err).Warn("mobility: could not derive egress device")
		return
	}

	cmd := fmt.Sprintf("ip -6 route replace default encap seg6 mode encap segs %s dev %s", msg.Sids, dev)
	if _, err := u.Runner.Run(ctx, cmd); err != nil {
		u.log().WithField("error", err).Warn("mobility: applying default route failed")
	}
}

// routeViaPeer installs the temporary route to the ground station used
// while a registration_request is in flight, so the request itself is
// reachable before the ground station's reply programs the real route.
func (u *User) routeViaPeer(ctx context.Context, peer string) error {
	cmd := fmt.Sprintf("ip -6 route replace %s via %s", u.groundIP, peer)
	_, err := u.Runner.Run(ctx, cmd)
	return err
}

func (u *User) send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: net.ParseIP(u.groundIP), Port: u.GroundPort}
	_, err = u.conn.WriteToUDP(data, addr)
	return err
}

// resolveIPv6 returns host unchanged if it already parses as an IP
// address, otherwise resolves it (via the system resolver, which
// consults /etc/hosts — see C8) to its first IPv6 address. Mirrors the
// original implementation's "grep hostname /etc/hosts" fallback for
// ground-station and satellite names passed by configuration.
func resolveIPv6(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", host, err)
	}
	for _, a := range addrs {
		if a.To4() == nil {
			return a.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv6 address found for %s", host)
}

// State returns the user's current FSM state.
func (u *User) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}
