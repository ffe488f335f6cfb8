// nsbctl — NetSatBench control-plane CLI.
//
// nsbctl drives the topology compiler and worker orchestrator: it writes
// the initial topology, applies epoch files, brings worker hosts and
// their containers up or down, and inspects per-node state the agents
// publish back into the store.
//
//	nsbctl init -S specs/
//	nsbctl run epochs/epoch1.json
//	nsbctl unlink sat1 1 sat2 1
//	nsbctl deploy
//	nsbctl rm --nodes
//	nsbctl status
//	nsbctl stats sat1
//	nsbctl exec sat1 -- ip addr show
//	nsbctl cp ./payload.bin sat1 /tmp/payload.bin
//
// Exit codes: 0 success, 1 store/runtime error, 2 usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/audit"
	"github.com/netsatbench/netsatbench/pkg/settings"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/util"
	"github.com/netsatbench/netsatbench/pkg/version"
)

// errUsage marks a usage/validation error so main() maps it to exit
// code 2, per spec §6's CLI exit-code contract. Everything else
// (store/runtime errors) maps to exit code 1.
var errUsage = errors.New("usage error")

// usageErrorf builds an error wrapping errUsage with a formatted message.
func usageErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errUsage)...)
}

// App holds CLI state shared across commands.
type App struct {
	specDir    string
	storeAddr  string
	storeUser  string
	storePass  string
	storeCA    string
	verbose    bool
	jsonOutput bool
	force      bool

	settings *settings.Settings
}

var app = &App{}

// storeTimeout bounds how long a CLI invocation waits to connect to the
// store before giving up; unlike the agent, an operator-facing command
// should fail fast rather than retry forever.
const storeTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "nsbctl",
	Short:             "NetSatBench control-plane CLI",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `nsbctl drives the NetSatBench control plane: topology init, epoch
application, worker/container lifecycle, and per-node inspection.

  nsbctl init -S specs/
  nsbctl run epochs/epoch1.json
  nsbctl unlink sat1 1 sat2 1
  nsbctl deploy
  nsbctl status`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isSettingsOrVersion(cmd) {
			return nil
		}

		var err error
		app.settings, err = settings.Load()
		if err != nil {
			util.Logger.Warnf("could not load settings: %v", err)
			app.settings = &settings.Settings{}
		}
		if app.specDir == "" {
			app.specDir = app.settings.GetSpecDir()
		}
		if app.storeAddr == "" {
			app.storeAddr = app.settings.GetStoreEndpoint()
		}
		if app.storeUser == "" {
			app.storeUser = app.settings.StoreUser
		}
		if app.storePass == "" {
			app.storePass = app.settings.StorePassword
		}
		if app.storeCA == "" {
			app.storeCA = app.settings.StoreCACert
		}

		if app.verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}

		auditPath := app.settings.GetAuditLogPath(app.specDir)
		logger, err := audit.NewFileLogger(auditPath, audit.RotationConfig{
			MaxSize:    int64(app.settings.GetAuditMaxSizeMB()) * 1024 * 1024,
			MaxBackups: app.settings.GetAuditMaxBackups(),
		})
		if err != nil {
			util.Logger.Warnf("could not initialize audit logging: %v", err)
		} else {
			audit.SetDefaultLogger(logger)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&app.specDir, "specs", "S", "", "Specification directory")
	rootCmd.PersistentFlags().StringVarP(&app.storeAddr, "store", "e", "", "Store endpoint (host:port)")
	rootCmd.PersistentFlags().StringVar(&app.storeUser, "store-user", "", "Store username")
	rootCmd.PersistentFlags().StringVar(&app.storePass, "store-password", "", "Store password")
	rootCmd.PersistentFlags().StringVar(&app.storeCA, "store-ca", "", "Store CA certificate path")
	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "Accepted but has no effect: no command reads it")

	rootCmd.AddGroup(
		&cobra.Group{ID: "topology", Title: "Topology Commands:"},
		&cobra.Group{ID: "fleet", Title: "Worker/Container Operations:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)

	for _, c := range []*cobra.Command{initCmd, runCmd, unlinkCmd} {
		c.GroupID = "topology"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{deployCmd, rmCmd, cpCmd, cptypeCmd, execCmd, exectypeCmd, statsCmd, statusCmd} {
		c.GroupID = "fleet"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{settingsCmd, versionCmd} {
		c.GroupID = "meta"
		rootCmd.AddCommand(c)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info("nsbctl"))
	},
}

func isSettingsOrVersion(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version", "settings":
			return true
		}
	}
	return false
}

// connectStore dials and verifies the configured store, bounded by
// storeTimeout.
func connectStore(ctx context.Context) (*store.Client, error) {
	cli, err := store.New(store.Options{
		Addr:     app.storeAddr,
		Username: app.storeUser,
		Password: app.storePass,
		CACert:   app.storeCA,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing store client: %w", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := cli.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connecting to store %s: %w", app.storeAddr, err)
	}
	return cli, nil
}

// splitCommand joins args after a "--" separator into a single shell
// command string, matching the cp/exec family's argument convention.
func splitCommand(args []string) string {
	return strings.Join(args, " ")
}
