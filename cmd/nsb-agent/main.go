// nsb-agent is the per-node reconciliation daemon (C4-C9): it bootstraps
// its node's bridges, watches the store for link/run/etchosts changes and
// reconciles the local dataplane accordingly, and — for ground-station or
// user nodes — also runs the mobility sub-protocol (C9) alongside the
// reconciler.
//
// nsb-agent is self-contained: it takes no config file and no command
// line flags, reading everything from its environment so the orchestrator
// can launch it identically across every node's container, per spec §6:
//
//	NODE_NAME       this node's name (required)
//	ETCD_ENDPOINT   store address, host:port (required)
//	ETCD_USER       store username (optional)
//	ETCD_PASSWORD   store password (optional)
//	ETCD_CA_CERT    store CA certificate path (optional, enables TLS)
//
// Supplemented, for the mobility role (not named by spec §6, derived from
// the node's type so the orchestrator needs no extra per-node env wiring):
//
//	MOBILITY_GROUND_STATION   ground station's node name, required on every
//	                          "user"-typed node (the user process fails to
//	                          start without it)
//	MOBILITY_HANDOVER_DELAY_MS  handover/registration HTB throttle delay in
//	                          milliseconds, applies to both roles (0/unset
//	                          disables HTB throttling)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/netsatbench/netsatbench/pkg/agent"
	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/mobility"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
	"github.com/netsatbench/netsatbench/pkg/version"
)

const storeConnectTimeout = 30 * time.Second

func main() {
	if len(os.Args) == 2 && os.Args[1] == "--version" {
		fmt.Println(version.Info("nsb-agent"))
		return
	}

	util.SetLogLevel(envOr("NSB_LOG_LEVEL", "info"))

	if err := run(); err != nil {
		util.Logger.Errorf("nsb-agent: %v", err)
		os.Exit(1)
	}
}

func run() error {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		return fmt.Errorf("NODE_NAME is required")
	}
	storeAddr := os.Getenv("ETCD_ENDPOINT")
	if storeAddr == "" {
		return fmt.Errorf("ETCD_ENDPOINT is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cli, err := store.New(store.Options{
		Addr:     storeAddr,
		Username: os.Getenv("ETCD_USER"),
		Password: os.Getenv("ETCD_PASSWORD"),
		CACert:   os.Getenv("ETCD_CA_CERT"),
	})
	if err != nil {
		return fmt.Errorf("constructing store client: %w", err)
	}
	defer cli.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer connectCancel()
	if err := cli.Connect(connectCtx); err != nil {
		return fmt.Errorf("connecting to store %s: %w", storeAddr, err)
	}
	util.WithNode(nodeName).Info("nsb-agent: connected to store")

	ag := agent.New(nodeName, cli, command.NewExecRunner())
	ag.Router = ag
	ag.Watch = cli

	if err := ag.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := ag.InitRouting(ctx); err != nil {
		return fmt.Errorf("init routing: %w", err)
	}

	watchers := []func(context.Context) error{
		ag.WatchLinks,
		ag.WatchRuntime,
		ag.WatchEtcHosts,
		ag.WatchState,
	}

	errCh := make(chan error, len(watchers)+1)
	for _, w := range watchers {
		w := w
		go func() { errCh <- w(ctx) }()
	}

	if role := mobilityRole(ag.Node()); role != "" {
		go func() { errCh <- runMobility(ctx, ag, role) }()
	}

	select {
	case <-ctx.Done():
		util.WithNode(nodeName).Info("nsb-agent: shutting down")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watcher exited: %w", err)
		}
		return nil
	}
}

// mobilityRole derives which mobility process (if any) this node should
// additionally run, from its type tag: spec §6 names no dedicated env
// var for this, and the node's type already distinguishes "gateway"
// (ground station) from "user" nodes.
func mobilityRole(node topo.Node) string {
	switch node.Type {
	case "gateway", "groundstation", "ground_station":
		return "groundstation"
	case "user":
		return "user"
	default:
		return ""
	}
}

// runMobility launches the ground-station or user mobility process for
// role ("groundstation" or "user") and blocks until ctx is canceled.
func runMobility(ctx context.Context, ag *agent.Agent, role string) error {
	node := ag.Node()
	handoverDelay := time.Duration(0)
	if ms := os.Getenv("MOBILITY_HANDOVER_DELAY_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil {
			return fmt.Errorf("MOBILITY_HANDOVER_DELAY_MS: %w", err)
		}
		handoverDelay = time.Duration(n) * time.Millisecond
	}

	localIPv6 := ""
	if node.SubnetV6 != "" {
		ip, err := util.HostFromTopV6(node.SubnetV6, 0)
		if err != nil {
			return fmt.Errorf("deriving mobility local IPv6 from %s: %w", node.SubnetV6, err)
		}
		localIPv6 = ip
	}

	switch role {
	case "groundstation":
		gs := mobility.NewGroundStation(ag.Self, localIPv6, ag.Runner)
		gs.HandoverDelay = handoverDelay
		util.WithNode(ag.Self).Info("nsb-agent: starting ground station mobility process")
		return gs.Serve(ctx, localIPv6, mobility.DefaultGroundPort)
	case "user":
		groundName := os.Getenv("MOBILITY_GROUND_STATION")
		if groundName == "" {
			return fmt.Errorf("MOBILITY_GROUND_STATION is required for a user-role node")
		}
		u := mobility.NewUser(ag.Self, localIPv6, groundName, ag.KV, ag.Runner)
		u.Watch = ag.Watch.(mobility.Watcher)
		u.HandoverDelay = handoverDelay
		util.WithNode(ag.Self).Info("nsb-agent: starting user mobility process")
		return u.Run(ctx)
	default:
		return fmt.Errorf("unknown mobility role %q", role)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
