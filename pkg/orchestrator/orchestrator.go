// Package orchestrator implements the Worker Orchestrator (C3): it
// drives each worker host over SSH to stand up (or tear down) the
// overlay docker network, inter-worker routing, and per-node
// containers. Grounded in original_source/control/system-clean-docker.py
// (the ssh()/run()/run_command()/iptables_delete_rule_loop best-effort
// teardown pattern) and spec §4.3 for the init-side sequence, which the
// retrieved pack's init script did not preserve in any detail.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// DefaultSupernet is the default overlay address space workers partition
// sub-CIDRs out of, matching the original's default.
const DefaultSupernet = "172.0.0.0/8"

// LabLabel is the docker label every NetSatBench-managed container and
// network carries, so teardown only ever touches resources this tool
// created (spec's supplemented feature: narrower, safer teardown than
// the original's full-host reset).
const LabLabel = "netsatbench.lab"

// Dialer opens a Runner for a worker host. The real implementation
// dials SSH; tests substitute one returning FakeRunners.
type Dialer interface {
	Dial(ctx context.Context, w topo.Worker) (command.Runner, error)
}

// ContainerSpec is one node's container launch parameters.
type ContainerSpec struct {
	Node        topo.Node
	Image       string
	StoreAddr   string
	StoreUser   string
	StorePass   string
	ExtraEnv    map[string]string
}

// Orchestrator is C3.
type Orchestrator struct {
	Dialer   Dialer
	Supernet string // default DefaultSupernet
	LabName  string // value of the LabLabel docker label
}

// New returns an Orchestrator with defaults filled in.
func New(dialer Dialer, labName string) *Orchestrator {
	return &Orchestrator{Dialer: dialer, Supernet: DefaultSupernet, LabName: labName}
}

func (o *Orchestrator) supernet() string {
	if o.Supernet == "" {
		return DefaultSupernet
	}
	return o.Supernet
}

// Deploy brings up every worker: overlay network, inter-worker routes,
// firewall/NAT rules, then launches each worker's assigned containers.
// Per-worker failures are collected and returned together; a failure on
// one worker does not block provisioning the others.
func (o *Orchestrator) Deploy(ctx context.Context, workers []topo.Worker, containersByWorker map[string][]ContainerSpec) []error {
	var errs []error
	for _, w := range workers {
		if err := o.deployWorker(ctx, w, workers, containersByWorker[w.Name]); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", w.Name, err))
		}
	}
	return errs
}

func (o *Orchestrator) deployWorker(ctx context.Context, w topo.Worker, allWorkers []topo.Worker, containers []ContainerSpec) error {
	runner, err := o.Dialer.Dial(ctx, w)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	log := util.WithDevice(w.Name)
	netName := overlayNetworkName(o.LabName)

	// 1. overlay docker network, idempotent.
	createNet := fmt.Sprintf(
		"sudo docker network inspect %s >/dev/null 2>&1 || sudo docker network create --label %s=%s --subnet %s %s",
		netName, LabLabel, o.LabName, w.OverlayCIDR, netName,
	)
	if _, err := runner.Run(ctx, createNet); err != nil {
		return fmt.Errorf("creating overlay network: %w", err)
	}
	log.Info("orchestrator: overlay network ensured")

	// 2. routes to every other worker's sub-CIDR via its public IP.
	for _, other := range allWorkers {
		if other.Name == w.Name || other.OverlayCIDR == "" {
			continue
		}
		cmd := fmt.Sprintf("sudo ip route replace %s via %s", other.OverlayCIDR, other.IP)
		if _, err := runner.Run(ctx, cmd); err != nil {
			log.WithField("error", err).Warnf("route to %s failed, continuing", other.Name)
		}
	}

	// 3. firewall rules: DOCKER-USER accept within the supernet, and NAT
	// masquerade for egress via the worker's default interface.
	if err := o.ensureIptablesRule(ctx, runner, fmt.Sprintf(
		"sudo iptables -C DOCKER-USER -s %s -d %s -j ACCEPT", o.supernet(), o.supernet()),
		fmt.Sprintf("sudo iptables -I DOCKER-USER -s %s -d %s -j ACCEPT", o.supernet(), o.supernet())); err != nil {
		log.WithField("error", err).Warn("orchestrator: inserting DOCKER-USER rule failed")
	}

	defaultIface := o.discoverDefaultInterface(ctx, runner)
	if err := o.ensureIptablesRule(ctx, runner, fmt.Sprintf(
		"sudo iptables -t nat -C POSTROUTING -s %s ! -d %s -o %s -j MASQUERADE", o.supernet(), o.supernet(), defaultIface),
		fmt.Sprintf("sudo iptables -t nat -A POSTROUTING -s %s ! -d %s -o %s -j MASQUERADE", o.supernet(), o.supernet(), defaultIface)); err != nil {
		log.WithField("error", err).Warn("orchestrator: inserting NAT masquerade rule failed")
	}

	// 4. launch containers.
	for _, c := range containers {
		if err := o.runContainer(ctx, runner, netName, c); err != nil {
			log.WithField("node", c.Node.Name).WithField("error", err).Warn("orchestrator: launching container failed")
		}
	}
	return nil
}

// ensureIptablesRule inserts rule (via insertCmd) only if checkCmd
// reports it is not already present, keeping rules unique across
// repeated Deploy calls.
func (o *Orchestrator) ensureIptablesRule(ctx context.Context, runner command.Runner, checkCmd, insertCmd string) error {
	res, err := runner.Run(ctx, checkCmd)
	if err == nil && res.Succeeded() {
		return nil // already present
	}
	if _, err := runner.Run(ctx, insertCmd); err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

func (o *Orchestrator) discoverDefaultInterface(ctx context.Context, runner command.Runner) string {
	res, err := runner.Run(ctx, "ip route show default | awk '/default/{print $5}'")
	if err != nil || !res.Succeeded() {
		return "eth0"
	}
	iface := strings.TrimSpace(res.Stdout)
	if iface == "" {
		return "eth0"
	}
	return iface
}

func (o *Orchestrator) runContainer(ctx context.Context, runner command.Runner, netName string, c ContainerSpec) error {
	env := map[string]string{
		"NODE_NAME":      c.Node.Name,
		"ETCD_ENDPOINT":  c.StoreAddr,
		"ETCD_USER":      c.StoreUser,
		"ETCD_PASSWORD":  c.StorePass,
	}
	for k, v := range c.ExtraEnv {
		env[k] = v
	}

	var envFlags strings.Builder
	for k, v := range env {
		if v == "" {
			continue
		}
		fmt.Fprintf(&envFlags, " -e %s=%s", k, v)
	}

	cmd := fmt.Sprintf(
		"sudo docker run -d --name %s --label %s=%s --network %s --cap-add=NET_ADMIN --cap-add=SYS_ADMIN --privileged%s %s",
		containerName(c.Node.Name), LabLabel, o.LabName, netName, envFlags.String(), c.Image,
	)
	if _, err := runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("docker run %s: %w", c.Node.Name, err)
	}
	return nil
}

// Teardown is the mirror image of Deploy and best-effort throughout:
// every failure is collected rather than aborting the loop, matching
// system-clean-docker.py's run_command()/iptables_delete_rule_loop
// semantics.
func (o *Orchestrator) Teardown(ctx context.Context, workers []topo.Worker) []error {
	var errs []error
	for _, w := range workers {
		errs = append(errs, o.teardownWorker(ctx, w, workers)...)
	}
	return errs
}

func (o *Orchestrator) teardownWorker(ctx context.Context, w topo.Worker, allWorkers []topo.Worker) []error {
	var errs []error
	runner, err := o.Dialer.Dial(ctx, w)
	if err != nil {
		return []error{fmt.Errorf("worker %s: dial: %w", w.Name, err)}
	}
	log := util.WithDevice(w.Name)

	// remove this lab's containers only.
	rmContainers := fmt.Sprintf(
		"sudo docker ps -aq --filter label=%s=%s | xargs -r sudo docker rm -f", LabLabel, o.LabName)
	runBestEffort(ctx, runner, log, rmContainers, &errs, w.Name, "removing lab containers")

	netName := overlayNetworkName(o.LabName)
	runBestEffort(ctx, runner, log, fmt.Sprintf("sudo docker network rm %s", netName), &errs, w.Name, "removing overlay network")

	for _, other := range allWorkers {
		if other.Name == w.Name || other.OverlayCIDR == "" {
			continue
		}
		cmd := fmt.Sprintf("sudo ip route del %s via %s", other.OverlayCIDR, other.IP)
		runBestEffort(ctx, runner, log, cmd, &errs, w.Name, fmt.Sprintf("removing route to %s", other.Name))
	}

	o.deleteIptablesRuleLoop(ctx, runner, log,
		fmt.Sprintf("sudo iptables -C DOCKER-USER -s %s -d %s -j ACCEPT", o.supernet(), o.supernet()),
		fmt.Sprintf("sudo iptables -D DOCKER-USER -s %s -d %s -j ACCEPT", o.supernet(), o.supernet()),
		&errs, w.Name)

	defaultIface := o.discoverDefaultInterface(ctx, runner)
	o.deleteIptablesRuleLoop(ctx, runner, log,
		fmt.Sprintf("sudo iptables -t nat -C POSTROUTING -s %s ! -d %s -o %s -j MASQUERADE", o.supernet(), o.supernet(), defaultIface),
		fmt.Sprintf("sudo iptables -t nat -D POSTROUTING -s %s ! -d %s -o %s -j MASQUERADE", o.supernet(), o.supernet(), defaultIface),
		&errs, w.Name)

	return errs
}

// deleteIptablesRuleLoop repeatedly deletes a rule while -C still finds
// it (covers accidental duplicate inserts), matching
// iptables_delete_rule_loop.
func (o *Orchestrator) deleteIptablesRuleLoop(ctx context.Context, runner command.Runner, log *logrus.Entry, checkCmd, deleteCmd string, errs *[]error, workerName string) {
	for {
		res, err := runner.Run(ctx, checkCmd)
		if err != nil || !res.Succeeded() {
			return // rule not present
		}
		if _, err := runner.Run(ctx, deleteCmd); err != nil {
			*errs = append(*errs, fmt.Errorf("worker %s: deleting iptables rule: %w", workerName, err))
			log.WithField("error", err).Warn("orchestrator: failed deleting iptables rule, stopping to avoid looping")
			return
		}
	}
}

func runBestEffort(ctx context.Context, runner command.Runner, log *logrus.Entry, cmd string, errs *[]error, workerName, action string) {
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("worker %s: %s: %w", workerName, action, err))
		log.WithField("error", err).Warnf("orchestrator: %s failed, continuing", action)
		return
	}
	if !res.Succeeded() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if msg != "" {
			log.Warnf("orchestrator: %s exited non-zero (continuing): %s", action, msg)
		}
	}
}

func overlayNetworkName(labName string) string {
	return fmt.Sprintf("netsatbench-%s", labName)
}

// ContainerName is the docker container name this lab assigns a node,
// shared with nsbctl's cp/exec family so they can address the same
// container Deploy created.
func ContainerName(nodeName string) string {
	return containerName(nodeName)
}

func containerName(nodeName string) string {
	return fmt.Sprintf("nsb-%s", nodeName)
}
