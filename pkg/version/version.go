package version

import "fmt"

// Version, GitCommit and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/netsatbench/netsatbench/pkg/version.Version=v1.0.0 \
//	  -X github.com/netsatbench/netsatbench/pkg/version.GitCommit=abc1234 \
//	  -X github.com/netsatbench/netsatbench/pkg/version.BuildDate=2026-07-31"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a single-line human-readable version string for prog
// (e.g. "nsbctl", "nsb-agent").
func Info(prog string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", prog, Version, GitCommit, BuildDate)
}
