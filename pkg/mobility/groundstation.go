package mobility

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/netlinkutil"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// GroundStation is the server role of C9: it receives registration and
// handover requests from users, programs the SRv6 downstream route to
// each, and replies with the SID list the user must use upstream.
type GroundStation struct {
	Self          string
	LocalIPv6     string
	Runner        command.Runner
	ShapingDevice string        // defaults to DefaultShapingDevice
	HandoverDelay time.Duration // 0 disables HTB throttling
	MTU           int           // defaults to 1500

	mu    sync.Mutex
	users []string // first-seen order; index backs the HTB classid
}

// NewGroundStation constructs a GroundStation for node self.
func NewGroundStation(self, localIPv6 string, runner command.Runner) *GroundStation {
	return &GroundStation{
		Self:          self,
		LocalIPv6:     localIPv6,
		Runner:        runner,
		ShapingDevice: DefaultShapingDevice,
		MTU:           1500,
	}
}

// Serve listens on bindAddr:port (UDP/IPv6) and processes requests until
// ctx is canceled.
func (g *GroundStation) Serve(ctx context.Context, bindAddr string, port int) error {
	if g.HandoverDelay > 0 {
		if err := InitHTB(ctx, g.Runner, g.ShapingDevice); err != nil {
			return err
		}
	}

	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port})
	if err != nil {
		return fmt.Errorf("mobility: ground station listen [%s]:%d: %w", bindAddr, port, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log := util.WithNode(g.Self)
	log.WithField("addr", fmt.Sprintf("[%s]:%d", bindAddr, port)).Info("mobility: ground station listening")

	buf := make([]byte, MaxDatagramSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithField("error", err).Warn("mobility: ground station read failed")
			continue
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			log.WithField("peer", peer).WithField("error", err).Warn("mobility: dropping malformed request")
			continue
		}
		g.handle(ctx, conn, msg, peer)
	}
}

func (g *GroundStation) handle(ctx context.Context, conn *net.UDPConn, msg Message, peer *net.UDPAddr) {
	log := util.WithNode(g.Self).WithField("peer", peer.String())

	idx, isNew := g.indexFor(msg.UserID)
	if isNew && g.HandoverDelay > 0 {
		dst := msg.UserIPv6
		if err := AddPeerClass(ctx, g.Runner, g.ShapingDevice, idx, dst); err != nil {
			log.WithField("error", err).Warn("mobility: failed to prepare htb class for new user")
		}
	}

	switch msg.Type {
	case MsgRegistrationRequest:
		g.handleRegistration(ctx, conn, msg, peer, log)
	case MsgHandoverRequest:
		g.handleHandover(ctx, conn, msg, peer, idx, log)
	default:
		log.WithField("type", msg.Type).Warn("mobility: unsupported request type")
	}
}

func (g *GroundStation) handleRegistration(ctx context.Context, conn *net.UDPConn, msg Message, peer *net.UDPAddr, log *logrus.Entry) {
	dev, err := netlinkutil.EgressDevice(msg.InitSatIPv6)
	if err != nil {
		log.WithField("error", err).Warn("mobility: could not derive egress device for registration")
		return
	}
	downstream := msg.InitSatIPv6
	upstream := JoinSids([]string{msg.InitSatIPv6, g.LocalIPv6})

	if err := g.srv6RouteReplace(ctx, msg.UserIPv6, downstream, dev, "encap"); err != nil {
		log.WithField("error", err).Warn("mobility: registration route install failed")
		return
	}
	log.WithField("user", msg.UserID).Info("mobility: registration request received")

	reply := Message{
		Type:       MsgRegistrationAccept,
		TxID:       g.replyTxID(msg),
		GroundID:   g.Self,
		GroundIPv6: g.LocalIPv6,
		Sids:       upstream,
	}
	g.reply(conn, reply, msg, peer, log)
}

func (g *GroundStation) handleHandover(ctx context.Context, conn *net.UDPConn, msg Message, peer *net.UDPAddr, idx int, log *logrus.Entry) {
	upstream := JoinSids([]string{msg.NewSatIPv6, g.LocalIPv6})
	reply := Message{
		Type:       MsgHandoverCommand,
		TxID:       g.replyTxID(msg),
		GroundID:   g.Self,
		GroundIPv6: g.LocalIPv6,
		Sids:       upstream,
	}
	g.reply(conn, reply, msg, peer, log)
	log.WithField("user", msg.UserID).Info("mobility: handover request received")

	if g.HandoverDelay > 0 {
		if err := ThrottleThenRestore(ctx, g.Runner, g.ShapingDevice, idx, g.MTU, g.HandoverDelay); err != nil {
			log.WithField("error", err).Warn("mobility: handover throttle failed")
		}
	}

	dev, err := netlinkutil.EgressDevice(msg.NewSatIPv6)
	if err != nil {
		log.WithField("error", err).Warn("mobility: could not derive egress device for handover")
		return
	}
	if err := g.srv6RouteReplace(ctx, msg.UserIPv6, msg.NewSatIPv6, dev, "encap"); err != nil {
		log.WithField("error", err).Warn("mobility: handover route install failed")
	}
}

func (g *GroundStation) srv6RouteReplace(ctx context.Context, dst, segs, dev, mode string) error {
	cmd := fmt.Sprintf("ip -6 route replace %s encap seg6 mode %s segs %s dev %s", dst, mode, segs, dev)
	if _, err := g.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("mobility: installing srv6 route to %s via %s: %w", dst, dev, err)
	}
	return nil
}

func (g *GroundStation) reply(conn *net.UDPConn, reply Message, req Message, peer *net.UDPAddr, log *logrus.Entry) {
	data, err := Encode(reply)
	if err != nil {
		log.WithField("error", err).Warn("mobility: encoding reply failed")
		return
	}
	dst := &net.UDPAddr{IP: peer.IP, Port: req.CallbackPort, Zone: peer.Zone}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		log.WithField("error", err).Warn("mobility: sending reply failed")
	}
}

func (g *GroundStation) replyTxID(req Message) string {
	if req.TxID != "" {
		return req.TxID
	}
	return txID(time.Now())
}

// indexFor returns the stable HTB-class index for userID, assigning the
// next index (first-seen order) if this is a new correspondent.
func (g *GroundStation) indexFor(userID string) (idx int, isNew bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, u := range g.users {
		if u == userID {
			return i, false
		}
	}
	g.users = append(g.users, userID)
	return len(g.users) - 1, true
}
