package mobility

import (
	"context"
	"fmt"
	"time"

	"github.com/netsatbench/netsatbench/pkg/command"
)

// DefaultShapingDevice is the egress interface the HTB hierarchy is
// installed on, grounded in the original implementation's hard-coded
// "veth0_rt" (the namespace veth created by its shaping-ns-create-v6.sh
// helper).
const DefaultShapingDevice = "veth0_rt"

// defaultClass is the HTB default leaf, standardized to "20" for both
// roles; the original ground-station script used "1" and the user
// script used "20" for the same qdisc shape, a divergence with no
// documented reason, resolved in favor of the user script's value (see
// DESIGN.md).
const defaultClass = "20"

const (
	restoreRate   = "10gbit"
	restoreBurst  = "15kb"
	restoreCburst = "15kb"
	busySpin      = 200 * time.Microsecond
)

// InitHTB installs the root HTB qdisc and its catch-all class 1:1 on
// dev, replacing any qdisc already present. Idempotent: `qdisc replace`
// rather than `add` so re-running on restart does not fail.
func InitHTB(ctx context.Context, runner command.Runner, dev string) error {
	if _, err := runner.Run(ctx, fmt.Sprintf("tc qdisc replace dev %s root handle 1: htb default %s", dev, defaultClass)); err != nil {
		return fmt.Errorf("mobility: installing root htb qdisc on %s: %w", dev, err)
	}
	cmd := fmt.Sprintf("tc class replace dev %s parent 1: classid 1:1 htb rate %s ceil %s", dev, restoreRate, restoreRate)
	if _, err := runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("mobility: installing catch-all class on %s: %w", dev, err)
	}
	return nil
}

// AddPeerClass creates the per-correspondent HTB class and flower filter
// a newly seen peer (user or ground station) needs before any traffic to
// it can be throttled, classid 1:<idx+10> per spec §4.9.
func AddPeerClass(ctx context.Context, runner command.Runner, dev string, idx int, peerIPv6 string) error {
	classID := fmt.Sprintf("1:%d", idx+10)
	classCmd := fmt.Sprintf("tc class replace dev %s parent 1: classid %s htb rate %s ceil %s", dev, classID, restoreRate, restoreRate)
	if _, err := runner.Run(ctx, classCmd); err != nil {
		return fmt.Errorf("mobility: adding htb class %s on %s: %w", classID, dev, err)
	}
	filterCmd := fmt.Sprintf("tc filter add dev %s parent 1: protocol ipv6 prio 10 flower dst_ip %s action pass flowid %s", dev, peerIPv6, classID)
	if _, err := runner.Run(ctx, filterCmd); err != nil {
		return fmt.Errorf("mobility: adding flower filter for %s on %s: %w", peerIPv6, dev, err)
	}
	return nil
}

// ThrottleThenRestore reduces class idx's rate to MTU*8/delay kbit/s for
// precisely delay, using a monotonic-clock deadline with a busy-wait on
// the final 200us for precision, then restores it to its normal 10gbit
// ceiling. Blocks for the duration of delay; callers that must not block
// the caller's goroutine should run this in its own goroutine.
func ThrottleThenRestore(ctx context.Context, runner command.Runner, dev string, idx int, mtu int, delay time.Duration) error {
	classID := fmt.Sprintf("1:%d", idx+10)
	delayMs := float64(delay) / float64(time.Millisecond)
	if delayMs <= 0 {
		return nil
	}

	rateKbit := int(float64(mtu) * 8 / delayMs)
	if rateKbit < 1 {
		rateKbit = 1
	}
	burstBytes := mtu * 2

	throttleCmd := fmt.Sprintf(
		"tc class change dev %s parent 1: classid %s htb rate %dkbit ceil %dkbit burst %db cburst %db",
		dev, classID, rateKbit, rateKbit, burstBytes, burstBytes,
	)
	if _, err := runner.Run(ctx, throttleCmd); err != nil {
		return fmt.Errorf("mobility: throttling class %s on %s: %w", classID, dev, err)
	}

	sleepUntil(time.Now().Add(delay), busySpin)

	restoreCmd := fmt.Sprintf(
		"tc class change dev %s parent 1: classid %s htb rate %s ceil %s burst %s cburst %s",
		dev, classID, restoreRate, restoreRate, restoreBurst, restoreCburst,
	)
	if _, err := runner.Run(ctx, restoreCmd); err != nil {
		return fmt.Errorf("mobility: restoring class %s on %s: %w", classID, dev, err)
	}
	return nil
}

// sleepUntil blocks until deadline, sleeping in one long interval and
// busy-spinning only the final spin window for precision — the Go
// equivalent of the original implementation's monotonic sleep_until.
func sleepUntil(deadline time.Time, spin time.Duration) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > spin {
			time.Sleep(remaining - spin)
			continue
		}
		// busy-wait the last slice
	}
}
