package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// etcHostsPath is overridable in tests.
var etcHostsPath = "/etc/hosts"

var etcHostsMu sync.Mutex

// WatchEtcHosts implements C8: an initial full scan of
// /config/etchosts/, then a live watch over the same prefix, rewriting
// /etc/hosts atomically on every change. Blocks until ctx is canceled.
func (a *Agent) WatchEtcHosts(ctx context.Context) error {
	if err := a.initialEtcHostsScan(ctx); err != nil {
		return err
	}
	if a.Watch == nil {
		return fmt.Errorf("agent: WatchEtcHosts called with no Watcher configured")
	}

	ch := a.Watch.WatchPrefix(ctx, topo.PrefixEtcHosts)
	for ev := range ch {
		switch ev.Kind {
		case store.EventResync:
			if err := a.initialEtcHostsScan(ctx); err != nil {
				util.WithNode(a.Self).WithField("error", err).Warn("agent: etchosts resync scan failed")
			}
		default:
			name := topo.NameFromKey(ev.Key, topo.PrefixEtcHosts)
			if name == "" {
				continue
			}
			if ev.Value != "" {
				if err := upsertHostsLine(ev.Value, name); err != nil {
					util.WithNode(a.Self).WithField("name", name).WithField("error", err).Warn("agent: rewriting /etc/hosts")
				}
			} else {
				if err := removeHostsLine(name); err != nil {
					util.WithNode(a.Self).WithField("name", name).WithField("error", err).Warn("agent: rewriting /etc/hosts")
				}
			}
		}
	}
	return ctx.Err()
}

func (a *Agent) initialEtcHostsScan(ctx context.Context) error {
	entries, err := a.KV.GetPrefix(ctx, topo.PrefixEtcHosts)
	if err != nil {
		return fmt.Errorf("agent: initial etchosts scan: %w", err)
	}
	for key, ip := range entries {
		name := topo.NameFromKey(key, topo.PrefixEtcHosts)
		if name == "" || ip == "" {
			continue
		}
		if err := upsertHostsLine(ip, name); err != nil {
			util.WithNode(a.Self).WithField("name", name).WithField("error", err).Warn("agent: rewriting /etc/hosts")
		}
	}
	return nil
}

func nameLineRegexp(name string) *regexp.Regexp {
	return regexp.MustCompile(`^\S+\s+` + regexp.QuoteMeta(name) + `$`)
}

// upsertHostsLine rewrites /etc/hosts so it contains exactly one
// "ip\tname" line for name: no-op if that exact line is already present,
// otherwise remove any existing line for name and append the new one.
func upsertHostsLine(ip, name string) error {
	etcHostsMu.Lock()
	defer etcHostsMu.Unlock()

	lines, err := readHostsLines()
	if err != nil {
		return err
	}

	wanted := ip + "\t" + name
	re := nameLineRegexp(name)
	out := make([]string, 0, len(lines)+1)
	found := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == wanted {
			found = true
			out = append(out, line)
			continue
		}
		if re.MatchString(trimmed) {
			continue // drop stale mapping for this name
		}
		out = append(out, line)
	}
	if !found {
		out = append(out, wanted)
	}
	return writeHostsLines(out)
}

// removeHostsLine drops any line mapping name, regardless of IP.
func removeHostsLine(name string) error {
	etcHostsMu.Lock()
	defer etcHostsMu.Unlock()

	lines, err := readHostsLines()
	if err != nil {
		return err
	}

	re := nameLineRegexp(name)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if re.MatchString(strings.TrimRight(line, "\r\n")) {
			continue
		}
		out = append(out, line)
	}
	return writeHostsLines(out)
}

func readHostsLines() ([]string, error) {
	f, err := os.Open(etcHostsPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", etcHostsPath, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", etcHostsPath, err)
	}
	return lines, nil
}

// writeHostsLines performs the atomic write-temp-then-rename C8 requires.
func writeHostsLines(lines []string) error {
	dir := filepath.Dir(etcHostsPath)
	tmp, err := os.CreateTemp(dir, ".hosts-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writing temp hosts file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flushing temp hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp hosts file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp hosts file: %w", err)
	}
	if err := os.Rename(tmpPath, etcHostsPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp hosts file onto %s: %w", etcHostsPath, err)
	}
	return nil
}
